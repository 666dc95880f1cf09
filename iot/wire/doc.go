/*Package wire implements the binary device protocol

Every frame is a five byte header followed by the body:

	byte 0       : opcode (uint8)
	bytes 1-2    : message id (uint16, big-endian)
	bytes 3-4    : body length in bytes (uint16, big-endian)
	bytes 5..    : body (exactly length bytes)

Decode and Encode are pure functions on byte slices. A Decoder accumulates
partial TCP reads and yields complete frames regardless of how the stream was
segmented.

The opcode is not validated by the codec, the dispatcher decides what to do
with opcodes it does not know.
*/
package wire
