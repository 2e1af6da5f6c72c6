package embedding

import (
	"net/http"

	"github.com/efebarandurmaz/coderag/internal/faults"
)

// maxErrorBody caps how much of a provider's error body is kept in messages.
const maxErrorBody = 512

// StatusError converts a non-200 provider response into a
// *faults.StatusError. 401 and 403 additionally match faults.ErrUnauthorized.
func StatusError(provider string, resp *http.Response, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	err := &faults.StatusError{
		Op:     provider + " embed",
		Code:   resp.StatusCode,
		Status: resp.Status,
		Body:   string(body),
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return faults.Unauthorized(err)
	}
	return err
}
