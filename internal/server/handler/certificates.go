package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/profitledger/internal/domain"
	"github.com/alanyoungcy/profitledger/internal/service"
)

// CertificateAPI issues and retrieves profit certificates.
type CertificateAPI interface {
	Issue(ctx context.Context) (service.Certificate, error)
	List(ctx context.Context) ([]domain.BlobInfo, error)
	Get(ctx context.Context, id string) (service.Certificate, error)
}

// CertificateHandler serves the certificate endpoints.
type CertificateHandler struct {
	certs  CertificateAPI
	logger *slog.Logger
}

// NewCertificateHandler creates a CertificateHandler.
func NewCertificateHandler(certs CertificateAPI, logger *slog.Logger) *CertificateHandler {
	return &CertificateHandler{certs: certs, logger: logger}
}

// IssueCertificate snapshots verified profit into a new certificate.
// POST /api/certificates
func (h *CertificateHandler) IssueCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.certs.Issue(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to issue certificate")
		return
	}
	writeJSON(w, http.StatusCreated, cert)
}

type certificateInfo struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	LastModified string `json:"last_modified"`
}

// ListCertificates returns stored certificates, newest first.
// GET /api/certificates
func (h *CertificateHandler) ListCertificates(w http.ResponseWriter, r *http.Request) {
	infos, err := h.certs.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list certificates")
		return
	}
	out := make([]certificateInfo, 0, len(infos))
	for _, in := range infos {
		out = append(out, certificateInfo{
			Path:         in.Path,
			Size:         in.Size,
			LastModified: formatTime(&in.LastModified),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": out})
}

// GetCertificate loads a certificate by id.
// GET /api/certificates/{id}
func (h *CertificateHandler) GetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := h.certs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to load certificate")
		return
	}
	writeJSON(w, http.StatusOK, cert)
}
