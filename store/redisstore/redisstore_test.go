package redisstore_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/emes/credit-reconciler/credit"
	"github.com/emes/credit-reconciler/store/redisstore"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return redisstore.New(client, "", nil), mr
}

func seed(t *testing.T, mr *miniredis.Miniredis, id, raw string) {
	t.Helper()
	mr.HSet(redisstore.DefaultKey, id, raw)
}

func TestFetchCreditInvoices_FiltersAndMaps(t *testing.T) {
	// GIVEN: A hash with credit, cash, undispatched and malformed orders
	// WHEN: Credit invoices are fetched
	// THEN: Only the mappable credit orders come back, sorted by id

	store, mr := newTestStore(t)
	seed(t, mr, "P-2", `{"nit":"900.123.456-7","estado":2,"valor":{"neto":1250000},"hora_despacho":"14/03/2025 10:30","forma_pago":"A 30 Días","razon":"Tienda La Esquina"}`)
	seed(t, mr, "P-1", `{"nit":"800555","estado":5,"valor":{"neto":"99000.50"},"hora_despacho":"01/03/2025 08:00","forma_pago":"a 15 dias","razon":""}`)
	seed(t, mr, "P-cash", `{"nit":"800555","estado":2,"valor":{"neto":1000},"hora_despacho":"01/03/2025 08:00","forma_pago":"Contado"}`)
	seed(t, mr, "P-packed", `{"nit":"800555","estado":1,"valor":{"neto":1000},"hora_despacho":"01/03/2025 08:00","forma_pago":"A 30 días"}`)
	seed(t, mr, "P-nodispatch", `{"nit":"800555","estado":2,"valor":{"neto":1000},"hora_despacho":"","forma_pago":"A 30 días"}`)
	seed(t, mr, "P-zero", `{"nit":"800555","estado":2,"valor":{"neto":0},"hora_despacho":"01/03/2025 08:00","forma_pago":"A 30 días"}`)
	seed(t, mr, "P-baddate", `{"nit":"800555","estado":2,"valor":{"neto":1000},"hora_despacho":"2025-03-01","forma_pago":"A 30 días"}`)
	seed(t, mr, "P-garbage", `not json`)

	invoices, err := store.FetchCreditInvoices(context.Background())
	require.NoError(t, err)
	require.Len(t, invoices, 2)

	p1, p2 := invoices[0], invoices[1]
	assert.Equal(t, "P-1", p1.ID)
	assert.Equal(t, credit.FulfillmentCreditPopulation, p1.FulfillmentStatus)
	assert.Equal(t, 15, p1.CreditDays)
	assert.True(t, p1.NetAmount.Equal(decimal.RequireFromString("99000.50")))

	assert.Equal(t, "P-2", p2.ID)
	assert.Equal(t, "9001234567", p2.TaxID)
	assert.Equal(t, 30, p2.CreditDays)
	assert.Equal(t, credit.NewDate(2025, time.March, 14), p2.IssueDate)
	assert.Equal(t, "Tienda La Esquina", p2.CustomerName)
	assert.Equal(t, credit.StatusPending, p2.PaymentStatus)
}

func TestFetchInvoicesByTaxID(t *testing.T) {
	store, mr := newTestStore(t)
	seed(t, mr, "P-1", `{"nit":"800555","estado":2,"valor":{"neto":1000},"hora_despacho":"01/03/2025 08:00","forma_pago":"A 30 días"}`)
	seed(t, mr, "P-2", `{"nit":"900111","estado":2,"valor":{"neto":1000},"hora_despacho":"01/03/2025 08:00","forma_pago":"A 30 días"}`)

	invoices, err := store.FetchInvoicesByTaxID(context.Background(), "800-555")
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "P-1", invoices[0].ID)
}

func TestSaveInvoices_PersistsCollectionState(t *testing.T) {
	// GIVEN: A credit order with an extra field owned by the dispatch system
	// WHEN: Its collection state is saved and the order is read again
	// THEN: The state survives and the extra field is untouched

	store, mr := newTestStore(t)
	ctx := context.Background()
	seed(t, mr, "P-1", `{"nit":"800555","estado":2,"valor":{"neto":1000},"hora_despacho":"01/03/2025 08:00","forma_pago":"A 30 días","vendedor":"ana"}`)

	invoices, err := store.FetchCreditInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	completed := credit.NewDate(2025, time.March, 20)
	inv.Collected = decimal.NewFromInt(950)
	inv.PaymentStatus = credit.StatusPartial
	inv.CollectionDates = []credit.Date{completed}
	inv.CompletedOn = &completed
	require.NoError(t, store.SaveInvoices(ctx, []*credit.Invoice{inv}))

	reloaded, err := store.FetchCreditInvoices(ctx)
	require.NoError(t, err)
	require.Len(t, reloaded, 1)
	assert.Equal(t, credit.StatusPartial, reloaded[0].PaymentStatus)
	assert.True(t, reloaded[0].Collected.Equal(decimal.NewFromInt(950)))
	assert.Equal(t, []credit.Date{completed}, reloaded[0].CollectionDates)
	require.NotNil(t, reloaded[0].CompletedOn)
	assert.Equal(t, completed, *reloaded[0].CompletedOn)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(mr.HGet(redisstore.DefaultKey, "P-1")), &raw))
	assert.Equal(t, "ana", raw["vendedor"])
}

func TestSaveInvoices_UnknownOrder(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.SaveInvoices(context.Background(), []*credit.Invoice{{ID: "missing"}})
	assert.ErrorIs(t, err, credit.ErrNotFound)
}

func TestPutAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	estado := 2
	neto := decimal.NewFromInt(5000)

	require.NoError(t, store.Put(ctx, "P-9", redisstore.Record{
		NIT: "800555", Estado: &estado, Valor: &redisstore.Valor{Neto: &neto},
		HoraDespacho: "05/03/2025 09:15", FormaPago: "A 60 días", Razon: "Ferretería Central",
	}))

	rec, err := store.Get(ctx, "P-9")
	require.NoError(t, err)
	assert.True(t, rec.IsCredit())
	assert.Equal(t, "Ferretería Central", rec.Razon)

	_, err = store.Get(ctx, "nope")
	assert.True(t, credit.IsNotFound(err))
}

func TestCreditDays(t *testing.T) {
	assert.Equal(t, 30, redisstore.CreditDays("A 30 días"))
	assert.Equal(t, 45, redisstore.CreditDays("CREDITO A  45 DIAS"))
	assert.Equal(t, 0, redisstore.CreditDays("Contado"))
	assert.Equal(t, 0, redisstore.CreditDays(""))
}
