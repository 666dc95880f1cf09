/*Package mqtt provides a read-only MQTT mirror of device updates

The broker republishes everything the ingestion server produces on the
following MQTT topics:

	iotdatahub/{device_id}/pins/{pin}
	iotdatahub/{device_id}/data
	iotdatahub/{device_id}/status

Pin messages carry a JSON object

	{"value": "42", "messageId": 7, "timestamp": 1700000000000}

data messages carry the raw DATA frame body and status messages carry

	{"status": "online", "timestamp": 1700000000000}

Clients may subscribe to any topic below iotdatahub/, publishing below
iotdatahub/ is refused. The characters '/', '+' and '#' in device ids and pin
names are replaced with '_'.

Transport Security

Without certificates the broker listens on plain TCP. With CertFile and
KeyFile it listens on TLS, and with an additional CACertFile every client must
present a certificate signed by that authority whose common name equals its
MQTT client id.
*/
package mqtt
