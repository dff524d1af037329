package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/profitledger/internal/domain"
)

const certificatePrefix = "certificates/"

// Certificate statuses.
const (
	CertificateValid      = "VALID"
	CertificateNoVerified = "NO_PROFIT_VERIFIED"
)

// LedgerReader returns the ledger aggregates and entries as one
// consistent view.
type LedgerReader interface {
	Journal() (domain.LedgerSnapshot, []domain.ProfitEntry)
}

// CertifiedEntry is one verified trade result in a certificate.
type CertifiedEntry struct {
	SourceReference string          `json:"source_reference"`
	Amount          decimal.Decimal `json:"amount"`
	VerifiedAt      *time.Time      `json:"verified_at,omitempty"`
}

// Certificate attests to the profit the chain has confirmed at a point in
// time.
type Certificate struct {
	ID             string           `json:"certificate_id"`
	IssuedAt       time.Time        `json:"issued_at"`
	Status         string           `json:"certificate_status"`
	Method         string           `json:"validation_method"`
	GrossVerified  decimal.Decimal  `json:"gross_verified"`
	AvailableTotal decimal.Decimal  `json:"available_total"`
	WithdrawnTotal decimal.Decimal  `json:"withdrawn_total"`
	VerifiedCount  int              `json:"verified_count"`
	TotalCount     int              `json:"total_count"`
	ValidationRate decimal.Decimal  `json:"validation_rate"`
	Entries        []CertifiedEntry `json:"verified_entries"`
	Path           string           `json:"path"`
	JournalPath    string           `json:"journal_path"`
}

// CertificateService issues certificates to object storage along with a
// JSONL export of the full journal they were computed from.
type CertificateService struct {
	ledger LedgerReader
	writer domain.BlobWriter
	reader domain.BlobReader
	method string
	now    func() time.Time
	logger *slog.Logger
}

// NewCertificateService creates a CertificateService. reader may be nil,
// which disables listing. method names the confirmation backend.
func NewCertificateService(ledger LedgerReader, writer domain.BlobWriter, reader domain.BlobReader, method string, logger *slog.Logger) *CertificateService {
	return &CertificateService{
		ledger: ledger,
		writer: writer,
		reader: reader,
		method: method,
		now:    time.Now,
		logger: logger.With(slog.String("component", "certificates")),
	}
}

// Issue builds a certificate from the current ledger and uploads it.
func (s *CertificateService) Issue(ctx context.Context) (Certificate, error) {
	snap, all := s.ledger.Journal()

	c := Certificate{
		ID:             uuid.NewString(),
		IssuedAt:       s.now().UTC(),
		Status:         CertificateNoVerified,
		Method:         s.method,
		GrossVerified:  snap.GrossVerified,
		AvailableTotal: snap.VerifiedTotal,
		WithdrawnTotal: snap.WithdrawnTotal,
		TotalCount:     len(all),
		ValidationRate: decimal.Zero,
		Entries:        []CertifiedEntry{},
	}
	for _, e := range all {
		if e.State != domain.EntryVerified {
			continue
		}
		c.Entries = append(c.Entries, CertifiedEntry{
			SourceReference: e.SourceReference,
			Amount:          e.Amount,
			VerifiedAt:      e.VerifiedAt,
		})
	}
	c.VerifiedCount = len(c.Entries)
	if c.VerifiedCount > 0 {
		c.Status = CertificateValid
		c.ValidationRate = decimal.NewFromInt(int64(c.VerifiedCount)).
			Div(decimal.NewFromInt(int64(c.TotalCount))).Round(4)
	}

	dir := path.Join(strings.TrimSuffix(certificatePrefix, "/"), c.IssuedAt.Format("2006/01/02"))
	c.Path = path.Join(dir, c.ID+".json")
	c.JournalPath = path.Join(dir, c.ID+".journal.jsonl")

	journal, err := encodeJSONL(all)
	if err != nil {
		return Certificate{}, fmt.Errorf("certificates: encode journal: %w", err)
	}
	if err := s.writer.Put(ctx, c.JournalPath, bytes.NewReader(journal), "application/x-ndjson"); err != nil {
		return Certificate{}, fmt.Errorf("certificates: upload journal: %w", err)
	}
	body, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return Certificate{}, fmt.Errorf("certificates: encode: %w", err)
	}
	if err := s.writer.Put(ctx, c.Path, bytes.NewReader(body), "application/json"); err != nil {
		return Certificate{}, fmt.Errorf("certificates: upload: %w", err)
	}

	s.logger.InfoContext(ctx, "certificate issued",
		slog.String("id", c.ID),
		slog.String("status", c.Status),
		slog.String("gross_verified", c.GrossVerified.String()),
		slog.String("path", c.Path),
	)
	return c, nil
}

// List returns stored certificates, newest first.
func (s *CertificateService) List(ctx context.Context) ([]domain.BlobInfo, error) {
	if s.reader == nil {
		return nil, nil
	}
	objs, err := s.reader.List(ctx, certificatePrefix)
	if err != nil {
		return nil, fmt.Errorf("certificates: list: %w", err)
	}
	out := objs[:0]
	for _, o := range objs {
		if strings.HasSuffix(o.Path, ".json") {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path > out[j].Path })
	return out, nil
}

// Get loads a stored certificate by id.
func (s *CertificateService) Get(ctx context.Context, id string) (Certificate, error) {
	objs, err := s.List(ctx)
	if err != nil {
		return Certificate{}, err
	}
	for _, o := range objs {
		if path.Base(o.Path) != id+".json" {
			continue
		}
		rc, err := s.reader.Get(ctx, o.Path)
		if err != nil {
			return Certificate{}, fmt.Errorf("certificates: get %s: %w", id, err)
		}
		defer rc.Close()
		var c Certificate
		if err := json.NewDecoder(rc).Decode(&c); err != nil {
			return Certificate{}, fmt.Errorf("certificates: decode %s: %w", id, err)
		}
		return c, nil
	}
	return Certificate{}, fmt.Errorf("certificates: %s: %w", id, domain.ErrNotFound)
}

type journalLine struct {
	ID            string          `json:"id"`
	Amount        decimal.Decimal `json:"amount"`
	State         string          `json:"state"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

func encodeJSONL(entries []domain.ProfitEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSONL(&buf, entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSONL(w io.Writer, entries []domain.ProfitEntry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(journalLine{
			ID:            e.ID,
			Amount:        e.Amount,
			State:         string(e.State),
			FailureReason: e.FailureReason,
			CreatedAt:     e.CreatedAt,
			ResolvedAt:    e.ResolvedAt,
		}); err != nil {
			return err
		}
	}
	return bw.Flush()
}
