package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FredrikElliot/ha-nimly-manager/internal/application"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
)

// --- Mock implementations ---

type mockSweeper struct {
	result application.SweepResult
	calls  int
}

func (m *mockSweeper) SweepNow(_ context.Context) application.SweepResult {
	m.calls++
	return m.result
}

func strPtr(s string) *string { return &s }

func newHandler(t *testing.T) (*application.RequestHandler, *fixture, *mockSweeper) {
	t.Helper()
	f := newFixture(t)
	sweeper := &mockSweeper{result: application.SweepResult{Removed: []int{}, Failed: []int{}}}
	settings := application.NewSettingsProvider(model.DefaultExpirySettings())
	return application.NewRequestHandler(f.svc, sweeper, settings), f, sweeper
}

// --- Tests ---

func TestRequestHandler_AddThenList(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()

	resp, err := h.Handle(ctx, application.AddRequest{
		Name:     "Bob",
		PinCode:  "012345",
		CodeType: "guest",
		Expiry:   strPtr("2024-01-01"),
		Slot:     intPtr(3),
	})
	require.NoError(t, err)
	entry := resp.(application.EntryResponse).Entry
	assert.Equal(t, 3, entry.Slot)
	assert.Equal(t, "Bob", entry.Name)
	assert.Equal(t, model.CodeTypeGuest, entry.Type)
	require.NotNil(t, entry.Expiry)
	assert.Equal(t, "2024-01-01", *entry.Expiry)
	assert.Equal(t, model.StatusExpired, entry.Status)
	assert.Equal(t, "2024-06-01T10:00:00Z", entry.Created)

	resp, err = h.Handle(ctx, application.ListRequest{})
	require.NoError(t, err)
	codes := resp.(application.ListResponse).Codes
	require.Len(t, codes, 1)
	assert.Equal(t, "Bob", codes[0].Name)
	assert.False(t, codes[0].Inconsistent)
}

func TestRequestHandler_ListEmpty(t *testing.T) {
	h, _, _ := newHandler(t)

	resp, err := h.Handle(context.Background(), application.ListRequest{})
	require.NoError(t, err)
	codes := resp.(application.ListResponse).Codes
	assert.NotNil(t, codes)
	assert.Empty(t, codes)
}

func TestRequestHandler_AddRFC3339Expiry(t *testing.T) {
	h, _, _ := newHandler(t)

	resp, err := h.Handle(context.Background(), application.AddRequest{
		Name:     "Carol",
		PinCode:  "111111",
		CodeType: "permanent",
		Expiry:   strPtr("2030-05-17T12:00:00Z"),
	})
	require.NoError(t, err)
	entry := resp.(application.EntryResponse).Entry
	require.NotNil(t, entry.Expiry)
	assert.Contains(t, []string{"2030-05-17", "2030-05-16", "2030-05-18"}, *entry.Expiry)
}

func TestRequestHandler_AddInvalidExpiry(t *testing.T) {
	h, f, _ := newHandler(t)

	_, err := h.Handle(context.Background(), application.AddRequest{
		Name:     "Dan",
		PinCode:  "111111",
		CodeType: "guest",
		Expiry:   strPtr("next tuesday"),
	})
	require.ErrorIs(t, err, application.ErrValidation)

	var vErr *application.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "expiry", vErr.Field)

	writes, _ := f.lock.Calls()
	assert.Zero(t, writes)
}

func TestRequestHandler_AddErrorsPropagate(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()

	_, err := h.Handle(ctx, application.AddRequest{Name: "A", PinCode: "111111", CodeType: "guest", Slot: intPtr(1)})
	require.NoError(t, err)

	_, err = h.Handle(ctx, application.AddRequest{Name: "B", PinCode: "222222", CodeType: "guest", Slot: intPtr(1)})
	assert.ErrorIs(t, err, application.ErrSlotConflict)

	_, err = h.Handle(ctx, application.AddRequest{Name: "C", PinCode: "12", CodeType: "guest"})
	assert.ErrorIs(t, err, application.ErrValidation)

	_, err = h.Handle(ctx, application.AddRequest{Name: "D", PinCode: "333333", CodeType: "visitor"})
	assert.ErrorIs(t, err, application.ErrValidation)
}

func TestRequestHandler_Remove(t *testing.T) {
	h, f, _ := newHandler(t)
	ctx := context.Background()

	_, err := h.Handle(ctx, application.AddRequest{Name: "A", PinCode: "111111", CodeType: "guest", Slot: intPtr(7)})
	require.NoError(t, err)

	resp, err := h.Handle(ctx, application.RemoveRequest{Slot: intPtr(7)})
	require.NoError(t, err)
	assert.Equal(t, application.RemoveResponse{Success: true}, resp)
	assert.Empty(t, listSlots(t, f.svc))

	_, err = h.Handle(ctx, application.RemoveRequest{Slot: intPtr(7)})
	assert.ErrorIs(t, err, application.ErrNotFound)
}

func TestRequestHandler_UpdateExpiry(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()

	_, err := h.Handle(ctx, application.AddRequest{Name: "A", PinCode: "111111", CodeType: "guest", Slot: intPtr(2)})
	require.NoError(t, err)

	resp, err := h.Handle(ctx, application.UpdateExpiryRequest{Slot: intPtr(2), Expiry: strPtr("2025-03-01")})
	require.NoError(t, err)
	entry := resp.(application.EntryResponse).Entry
	require.NotNil(t, entry.Expiry)
	assert.Equal(t, "2025-03-01", *entry.Expiry)

	resp, err = h.Handle(ctx, application.UpdateExpiryRequest{Slot: intPtr(2), Expiry: nil})
	require.NoError(t, err)
	assert.Nil(t, resp.(application.EntryResponse).Entry.Expiry)

	_, err = h.Handle(ctx, application.UpdateExpiryRequest{Slot: intPtr(9), Expiry: strPtr("2025-03-01")})
	assert.ErrorIs(t, err, application.ErrNotFound)
}

func TestRequestHandler_MissingSlotRejected(t *testing.T) {
	h, f, _ := newHandler(t)
	ctx := context.Background()

	_, err := h.Handle(ctx, application.AddRequest{Name: "Owner", PinCode: "111111", CodeType: "permanent", Slot: intPtr(0)})
	require.NoError(t, err)
	writes, erases := f.lock.Calls()

	tests := []struct {
		name string
		req  application.Request
	}{
		{name: "remove", req: application.RemoveRequest{}},
		{name: "update expiry", req: application.UpdateExpiryRequest{Expiry: strPtr("2025-03-01")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(ctx, tt.req)
			require.ErrorIs(t, err, application.ErrValidation)

			var ve *application.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "slot", ve.Field)
		})
	}

	gotWrites, gotErases := f.lock.Calls()
	assert.Equal(t, writes, gotWrites)
	assert.Equal(t, erases, gotErases)

	resp, err := h.Handle(ctx, application.ListRequest{})
	require.NoError(t, err)
	codes := resp.(application.ListResponse).Codes
	require.Len(t, codes, 1)
	assert.Equal(t, 0, codes[0].Slot)
	assert.Nil(t, codes[0].Expiry)
}

func TestRequestHandler_SuggestSlots(t *testing.T) {
	h, _, _ := newHandler(t)
	ctx := context.Background()

	resp, err := h.Handle(ctx, application.SuggestSlotsRequest{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, resp.(application.SuggestSlotsResponse).Slots)

	_, err = h.Handle(ctx, application.AddRequest{Name: "A", PinCode: "111111", CodeType: "guest", Slot: intPtr(0)})
	require.NoError(t, err)

	resp, err = h.Handle(ctx, application.SuggestSlotsRequest{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, resp.(application.SuggestSlotsResponse).Slots)

	_, err = h.Handle(ctx, application.SuggestSlotsRequest{Count: -1})
	assert.ErrorIs(t, err, application.ErrValidation)
}

func TestRequestHandler_Config(t *testing.T) {
	f := newFixture(t)
	settings := application.NewSettingsProvider(model.ExpirySettings{
		AutoExpire:  false,
		CleanupTime: model.TimeOfDay{Hour: 4, Minute: 15},
	})
	h := application.NewRequestHandler(f.svc, &mockSweeper{}, settings)

	resp, err := h.Handle(context.Background(), application.ConfigRequest{})
	require.NoError(t, err)
	assert.Equal(t, application.ConfigResponse{AutoExpire: false, CleanupTime: "04:15:00"}, resp)
}

func TestRequestHandler_CleanupExpired(t *testing.T) {
	h, _, sweeper := newHandler(t)
	sweeper.result = application.SweepResult{Removed: []int{3, 8}, Failed: []int{}}

	resp, err := h.Handle(context.Background(), application.CleanupExpiredRequest{})
	require.NoError(t, err)
	assert.Equal(t, application.CleanupResponse{Removed: 2, Slots: []int{3, 8}, Failed: []int{}}, resp)
	assert.Equal(t, 1, sweeper.calls)
}

func TestRequestHandler_NilRequest(t *testing.T) {
	h, _, _ := newHandler(t)

	_, err := h.Handle(context.Background(), nil)
	assert.ErrorIs(t, err, application.ErrValidation)
}
