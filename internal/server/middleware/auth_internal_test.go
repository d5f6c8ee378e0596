package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteJSONError_Escapes(t *testing.T) {
	tests := []string{
		"plain",
		`quoted "value"`,
		`back\slash`,
		"line\nbreak",
		"<script>",
	}
	for _, msg := range tests {
		rec := httptest.NewRecorder()
		writeJSONError(rec, http.StatusBadRequest, msg)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%q: status = %d", msg, rec.Code)
		}
		var body struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%q: body %q is not JSON: %v", msg, rec.Body.String(), err)
		}
		if body.Error != msg {
			t.Fatalf("error = %q, want %q", body.Error, msg)
		}
	}
}
