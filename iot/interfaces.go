package iot

import "context"

// Publisher receives device updates in the order the owning device session
// produced them. Implementations must never block the caller; a slow consumer
// is dealt with inside the publisher.
type Publisher interface {
	PublishPinUpdate(ctx context.Context, update PinUpdate)
	PublishHardwareData(ctx context.Context, data HardwareData)
	PublishStatus(ctx context.Context, status StatusChange)
}

// Publishers fans out to a list of publishers
type Publishers []Publisher

// PublishPinUpdate implements Publisher
func (p Publishers) PublishPinUpdate(ctx context.Context, update PinUpdate) {
	for _, pub := range p {
		pub.PublishPinUpdate(ctx, update)
	}
}

// PublishHardwareData implements Publisher
func (p Publishers) PublishHardwareData(ctx context.Context, data HardwareData) {
	for _, pub := range p {
		pub.PublishHardwareData(ctx, data)
	}
}

// PublishStatus implements Publisher
func (p Publishers) PublishStatus(ctx context.Context, status StatusChange) {
	for _, pub := range p {
		pub.PublishStatus(ctx, status)
	}
}
