package evidence

import (
	"context"
	"time"
)

// StubCapturer returns a fixed placeholder bundle without touching a real
// browser, for environments where no browser binary is available (CI,
// local dev without Chrome installed).
type StubCapturer struct{}

// NewStubCapturer returns a no-op Capturer.
func NewStubCapturer() *StubCapturer {
	return &StubCapturer{}
}

func (s *StubCapturer) Capture(ctx context.Context, url string, opts Options) (*Bundle, error) {
	return &Bundle{
		Screenshot:  nil,
		HAR:         []byte(`{"log":{"version":"1.2","entries":[]}}`),
		HTML:        "",
		ConsoleLogs: nil,
		Network:     nil,
		StatusCode:  0,
		Metadata: map[string]string{
			"url":        url,
			"capturedAt": time.Now().UTC().Format(time.RFC3339),
			"stub":       "true",
		},
	}, nil
}

func (s *StubCapturer) Close() error {
	return nil
}
