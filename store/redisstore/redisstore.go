/*
Package redisstore reads orders from the shared order hash kept by the
dispatch system.

LAYOUT:
  One Redis hash (default key "pedidos"). Field = order id, value = JSON:

    {
      "nit": "900123456",
      "estado": 2,
      "valor": {"neto": 1250000},
      "hora_despacho": "14/03/2025 10:30",
      "forma_pago": "A 30 días",
      "razon": "Tienda La Esquina",
      "cobro": {"valor": "400000", "estado": "partial", "fechas": ["2025-03-20"]}
    }

  "cobro" is written by this package and carries collection state between
  runs. Every other field belongs to the dispatch system and is preserved
  on write.

CREDIT FILTER:
  forma_pago mentions "días" (any case or accent), hora_despacho set,
  estado 2 (dispatched) or 5 (credit population), valor.neto non-zero.
  Records that pass the filter but cannot be mapped are skipped and logged.
*/
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/logging"
	"github.com/emes/credit-reconciler/normalize"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultKey = "pedidos"

	// DispatchLayout is the format of hora_despacho.
	DispatchLayout = "02/01/2006 15:04"
)

var (
	creditWord = regexp.MustCompile(`\bdias\b`)
	creditTerm = regexp.MustCompile(`a\s+(\d+)\s+dias`)
)

// =============================================================================
// RECORDS
// =============================================================================

// Record is the JSON value stored per order.
type Record struct {
	NIT          string `json:"nit"`
	Estado       *int   `json:"estado"`
	Valor        *Valor `json:"valor,omitempty"`
	HoraDespacho string `json:"hora_despacho"`
	FormaPago    string `json:"forma_pago"`
	Razon        string `json:"razon"`
	Cobro        *Cobro `json:"cobro,omitempty"`
}

type Valor struct {
	Neto *decimal.Decimal `json:"neto"`
}

// Cobro is the collection state persisted by SaveInvoices.
type Cobro struct {
	Valor      decimal.Decimal `json:"valor"`
	Estado     string          `json:"estado"`
	Fechas     []credit.Date   `json:"fechas,omitempty"`
	Completado *credit.Date    `json:"completado,omitempty"`
}

// IsCredit applies the credit filter.
func (r Record) IsCredit() bool {
	if r.Estado == nil || (*r.Estado != 2 && *r.Estado != 5) {
		return false
	}
	if strings.TrimSpace(r.HoraDespacho) == "" {
		return false
	}
	if r.Valor == nil || r.Valor.Neto == nil || r.Valor.Neto.IsZero() {
		return false
	}
	return creditWord.MatchString(normalize.Fold(r.FormaPago))
}

// CreditDays parses "A <n> días"; anything else is a cash order.
func CreditDays(formaPago string) int {
	m := creditTerm.FindStringSubmatch(normalize.Fold(formaPago))
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ToInvoice maps a record to an invoice.
func (r Record) ToInvoice(id string) (*credit.Invoice, error) {
	nit := normalize.TaxID(r.NIT)
	if strings.TrimSpace(id) == "" || nit == "" || r.Estado == nil || r.Valor == nil || r.Valor.Neto == nil {
		return nil, fmt.Errorf("order %q: missing required fields", id)
	}
	status, err := credit.ParseFulfillmentStatus(*r.Estado)
	if err != nil {
		return nil, fmt.Errorf("order %q: %w", id, err)
	}
	dispatched, err := time.Parse(DispatchLayout, strings.TrimSpace(r.HoraDespacho))
	if err != nil {
		return nil, fmt.Errorf("order %q: hora_despacho: %w", id, err)
	}

	inv := &credit.Invoice{
		ID:                id,
		FulfillmentStatus: status,
		TaxID:             nit,
		CreditDays:        CreditDays(r.FormaPago),
		NetAmount:         *r.Valor.Neto,
		IssueDate:         credit.DateOf(dispatched),
		CustomerName:      strings.TrimSpace(r.Razon),
		PaymentStatus:     credit.StatusPending,
	}
	if r.Cobro != nil {
		ps, err := credit.ParsePaymentStatus(r.Cobro.Estado)
		if err != nil {
			return nil, fmt.Errorf("order %q: %w", id, err)
		}
		inv.PaymentStatus = ps
		inv.Collected = r.Cobro.Valor
		inv.CollectionDates = append([]credit.Date(nil), r.Cobro.Fechas...)
		inv.CompletedOn = r.Cobro.Completado
	}
	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("order %q: %w", id, err)
	}
	return inv, nil
}

func cobroOf(inv *credit.Invoice) *Cobro {
	return &Cobro{
		Valor:      inv.Collected,
		Estado:     string(inv.PaymentStatus),
		Fechas:     append([]credit.Date(nil), inv.CollectionDates...),
		Completado: inv.CompletedOn,
	}
}

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// New wraps an existing client. An empty key selects DefaultKey.
func New(client *redis.Client, key string, logger *zap.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key, logger: logging.OrNop(logger).Named("redisstore")}
}

// Dial connects and pings the server.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// Put stores one record.
func (s *Store) Put(ctx context.Context, id string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode order %q: %w", id, err)
	}
	if err := s.client.HSet(ctx, s.key, id, b).Err(); err != nil {
		return fmt.Errorf("write order %q: %w", id, err)
	}
	return nil
}

// Get returns the raw record of one order.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, fmt.Errorf("order %q: %w", id, credit.ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read order %q: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode order %q: %w", id, err)
	}
	return rec, nil
}

// FetchCreditInvoices returns every credit order, sorted by order id.
func (s *Store) FetchCreditInvoices(ctx context.Context) ([]*credit.Invoice, error) {
	return s.fetch(ctx, func(Record) bool { return true })
}

// FetchInvoicesByTaxID returns the credit orders of one customer.
func (s *Store) FetchInvoicesByTaxID(ctx context.Context, taxID string) ([]*credit.Invoice, error) {
	nit := normalize.TaxID(taxID)
	return s.fetch(ctx, func(r Record) bool { return normalize.TaxID(r.NIT) == nit })
}

func (s *Store) fetch(ctx context.Context, keep func(Record) bool) ([]*credit.Invoice, error) {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read orders: %w", err)
	}

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		out     []*credit.Invoice
		skipped int
	)
	for _, id := range ids {
		var rec Record
		if err := json.Unmarshal([]byte(all[id]), &rec); err != nil {
			skipped++
			s.logger.Warn("skipping undecodable order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		if !rec.IsCredit() || !keep(rec) {
			continue
		}
		inv, err := rec.ToInvoice(id)
		if err != nil {
			skipped++
			s.logger.Warn("skipping unmappable order", zap.String("order_id", id), zap.Error(err))
			continue
		}
		out = append(out, inv)
	}
	if skipped > 0 {
		s.logger.Info("orders skipped on load", zap.Int("skipped", skipped), zap.Int("loaded", len(out)))
	}
	return out, nil
}

// SaveInvoices writes collection state back into each order's record,
// leaving the dispatch fields untouched. Orders missing from the hash are
// an error.
func (s *Store) SaveInvoices(ctx context.Context, invoices []*credit.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	fields := make([]string, len(invoices))
	for i, inv := range invoices {
		fields[i] = inv.ID
	}
	current, err := s.client.HMGet(ctx, s.key, fields...).Result()
	if err != nil {
		return fmt.Errorf("read orders: %w", err)
	}

	values := make([]interface{}, 0, 2*len(invoices))
	for i, inv := range invoices {
		raw, ok := current[i].(string)
		if !ok {
			return fmt.Errorf("order %q: %w", inv.ID, credit.ErrNotFound)
		}
		// Decode loosely so fields this package does not know survive
		var rec map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("decode order %q: %w", inv.ID, err)
		}
		cobro, err := json.Marshal(cobroOf(inv))
		if err != nil {
			return fmt.Errorf("encode order %q: %w", inv.ID, err)
		}
		rec["cobro"] = cobro
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode order %q: %w", inv.ID, err)
		}
		values = append(values, inv.ID, b)
	}

	if err := s.client.HSet(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("write orders: %w", err)
	}
	return nil
}
