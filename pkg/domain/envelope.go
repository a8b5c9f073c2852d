package domain

const EnvelopeVersion = 1

// ContentEnvelope is the plaintext form of Content before sealing.
type ContentEnvelope struct {
	Content string `json:"content"`
	Version int    `json:"version"`
}

func NewContentEnvelope(content string) *ContentEnvelope {
	return &ContentEnvelope{
		Content: content,
		Version: EnvelopeVersion,
	}
}
