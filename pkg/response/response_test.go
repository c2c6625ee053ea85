package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name    string
		send    func(c *gin.Context)
		status  int
		success bool
		code    string
	}{
		{"ok", func(c *gin.Context) { OK(c, gin.H{"id": "1"}) }, http.StatusOK, true, ""},
		{"accepted", func(c *gin.Context) { Accepted(c, gin.H{"started": true}) }, http.StatusAccepted, true, ""},
		{"not found", func(c *gin.Context) { NotFound(c, "meeting not found") }, http.StatusNotFound, false, ""},
		{"fail", func(c *gin.Context) { Fail(c, http.StatusConflict, CodeInvalidState, "no recording") }, http.StatusConflict, false, CodeInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			tt.send(c)

			assert.Equal(t, tt.status, w.Code)
			var body Body
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.success, body.Success)
			assert.Equal(t, tt.code, body.Code)
			if !tt.success {
				assert.NotEmpty(t, body.Error)
			}
		})
	}
}
