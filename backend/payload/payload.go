package payload

// Payload is an opaque, serialized value. The engine never inspects payloads,
// it only stores and returns them.
type Payload []byte
