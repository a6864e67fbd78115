package interfaces

// Message is one fetched message: header and body octets are already
// CRLF-normalized by the engine before delivery.
type Message struct {
	UID    []byte
	Header []byte
	Body   []byte
}

// DeliveryAgent hands a batch of messages to a local destination. A message
// counts as delivered only once it is durably accepted (fsynced rename for
// Maildir, clean exit for an MDA). Per-message failures are reported in the
// failed list; err is reserved for failures that poison the whole run, such
// as being unable to create the Maildir subdirectories.
type DeliveryAgent interface {
	Describe() string
	DeliverBatch(msgs []Message) (delivered [][]byte, failed [][]byte, err error)
}

// Notifier sends a desktop notification; errors are logged and swallowed.
type Notifier interface {
	Notify(category string, title string, body string)
}

// SecretSource yields a single UTF-8 password string.
type SecretSource interface {
	Secret() (string, error)
}
