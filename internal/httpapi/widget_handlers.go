package httpapi

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"tenantgate.io/internal/auth"
)

type verifyWidgetKeyRequest struct {
	Key string `json:"key" validate:"required,max=128"`
}

func (a *API) handleVerifyWidgetKey(w http.ResponseWriter, r *http.Request) {
	var req verifyWidgetKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}
	format, err := auth.ValidateWidgetKey(req.Key, a.cfg.WidgetKeyMode)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false})
		return
	}
	if format == auth.WidgetKeyFormatLegacy {
		a.log.WithFields(logrus.Fields{
			"request_id": RequestIDFromContext(r.Context()),
			"remote_ip":  clientIP(r),
			"key_prefix": keyPrefix(req.Key),
		}).Warn("legacy widget key accepted")
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "format": format})
}

func keyPrefix(key string) string {
	key = strings.TrimSpace(key)
	if len(key) > 6 {
		return key[:6]
	}
	return key
}
