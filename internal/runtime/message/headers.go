package message

// Reserved header keys. Custom headers should not reuse these names.
const (
	// HeaderSourceFormat declares the encoding the payload arrives in.
	HeaderSourceFormat = "source_format"
	// HeaderTargetFormat declares the encoding the target service expects.
	HeaderTargetFormat = "target_format"
	// HeaderCorrelationID tracks related messages across services.
	HeaderCorrelationID = "correlation_id"

	HeaderMessageID     = "ticketbus_message_id"
	HeaderMessageType   = "ticketbus_message_type"
	HeaderTargetService = "ticketbus_target_service"
	HeaderCreatedAt     = "ticketbus_created_at"
)

// DefaultFormat is assumed when a message does not declare a format.
const DefaultFormat = "JSON"

// Headers is the string mapping carried alongside a message.
type Headers map[string]string

func (h Headers) cloneWithExtra(extra int) Headers {
	size := len(h) + extra
	if size <= 0 {
		return Headers{}
	}

	cloned := make(Headers, size)
	for k, v := range h {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the headers.
func (h Headers) Clone() Headers {
	return h.cloneWithExtra(0)
}

// With returns a copy containing the provided key/value pair.
func (h Headers) With(key, value string) Headers {
	cloned := h.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a copy containing the supplied entries.
func (h Headers) WithAll(entries Headers) Headers {
	cloned := h.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get returns the value stored under key or fallback when it is absent or empty.
func (h Headers) Get(key, fallback string) string {
	if v, ok := h[key]; ok && v != "" {
		return v
	}
	return fallback
}

// NewHeaders constructs Headers from alternating key/value pairs. A trailing
// key without a value is ignored.
func NewHeaders(pairs ...string) Headers {
	h := make(Headers, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		h[pairs[i]] = pairs[i+1]
	}
	return h
}
