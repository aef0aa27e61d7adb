package application

import (
	"context"
	"time"

	"cloud.google.com/go/civil"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
)

const defaultSuggestCount = 5

// Request is one operation of the panel contract. The set of variants is
// closed: each one routes itself to the matching RequestHandler method, so a
// new variant does not compile until it is handled.
type Request interface {
	dispatch(ctx context.Context, h *RequestHandler) (any, error)
}

// ListRequest asks for every stored code.
type ListRequest struct{}

// AddRequest creates a code. Slot and Expiry are optional.
type AddRequest struct {
	Name     string  `json:"name"`
	PinCode  string  `json:"pin_code"`
	CodeType string  `json:"code_type"`
	Expiry   *string `json:"expiry"`
	Slot     *int    `json:"slot"`
}

// RemoveRequest revokes the code in Slot. Slot is required.
type RemoveRequest struct {
	Slot *int `json:"slot"`
}

// UpdateExpiryRequest sets or, with a null Expiry, clears the expiry of Slot.
// Slot is required.
type UpdateExpiryRequest struct {
	Slot   *int    `json:"slot"`
	Expiry *string `json:"expiry"`
}

// SuggestSlotsRequest asks for up to Count free slots; zero means five.
type SuggestSlotsRequest struct {
	Count int `json:"count"`
}

// ConfigRequest asks for the current expiry settings.
type ConfigRequest struct{}

// CleanupExpiredRequest runs an expiry sweep immediately.
type CleanupExpiredRequest struct{}

func (r ListRequest) dispatch(ctx context.Context, h *RequestHandler) (any, error) {
	return h.list(ctx)
}

func (r AddRequest) dispatch(ctx context.Context, h *RequestHandler) (any, error) {
	return h.add(ctx, r)
}

func (r RemoveRequest) dispatch(ctx context.Context, h *RequestHandler) (any, error) {
	return h.remove(ctx, r)
}

func (r UpdateExpiryRequest) dispatch(ctx context.Context, h *RequestHandler) (any, error) {
	return h.updateExpiry(ctx, r)
}

func (r SuggestSlotsRequest) dispatch(ctx context.Context, h *RequestHandler) (any, error) {
	return h.suggestSlots(ctx, r)
}

func (r ConfigRequest) dispatch(_ context.Context, h *RequestHandler) (any, error) {
	return h.config(), nil
}

func (r CleanupExpiredRequest) dispatch(ctx context.Context, h *RequestHandler) (any, error) {
	return h.cleanupExpired(ctx), nil
}

// CodeView is the wire form of a credential. The PIN is never included.
type CodeView struct {
	Slot         int            `json:"slot"`
	Name         string         `json:"name"`
	Type         model.CodeType `json:"type"`
	Expiry       *string        `json:"expiry"`
	Status       model.Status   `json:"status"`
	Created      string         `json:"created"`
	Updated      string         `json:"updated"`
	Inconsistent bool           `json:"inconsistent,omitempty"`
}

// ListResponse answers ListRequest.
type ListResponse struct {
	Codes []CodeView `json:"codes"`
}

// EntryResponse answers AddRequest and UpdateExpiryRequest.
type EntryResponse struct {
	Entry CodeView `json:"entry"`
}

// RemoveResponse answers RemoveRequest.
type RemoveResponse struct {
	Success bool `json:"success"`
}

// SuggestSlotsResponse answers SuggestSlotsRequest.
type SuggestSlotsResponse struct {
	Slots []int `json:"slots"`
}

// ConfigResponse answers ConfigRequest.
type ConfigResponse struct {
	AutoExpire  bool   `json:"auto_expire"`
	CleanupTime string `json:"cleanup_time"`
}

// CleanupResponse answers CleanupExpiredRequest.
type CleanupResponse struct {
	Removed int   `json:"removed"`
	Slots   []int `json:"slots"`
	Failed  []int `json:"failed,omitempty"`
}

// Sweeper runs an on-demand expiry sweep.
type Sweeper interface {
	SweepNow(ctx context.Context) SweepResult
}

// RequestHandler is the boundary of the core: it validates panel requests,
// converts them to service calls and shapes the responses. Transports decode
// their frames into Request values and call Handle.
type RequestHandler struct {
	credentials *CredentialService
	allocator   *SlotAllocator
	sweeper     Sweeper
	settings    *SettingsProvider
}

// NewRequestHandler creates a RequestHandler with all required dependencies.
func NewRequestHandler(
	credentials *CredentialService,
	sweeper Sweeper,
	settings *SettingsProvider,
) *RequestHandler {
	return &RequestHandler{
		credentials: credentials,
		allocator:   credentials.Allocator(),
		sweeper:     sweeper,
		settings:    settings,
	}
}

// Handle executes req and returns its response value.
func (h *RequestHandler) Handle(ctx context.Context, req Request) (any, error) {
	if req == nil {
		return nil, invalid("type", "missing request")
	}
	return req.dispatch(ctx, h)
}

func (h *RequestHandler) list(ctx context.Context) (ListResponse, error) {
	creds, err := h.credentials.List(ctx)
	if err != nil {
		return ListResponse{}, err
	}

	codes := make([]CodeView, 0, len(creds))
	for _, c := range creds {
		codes = append(codes, toCodeView(c))
	}
	return ListResponse{Codes: codes}, nil
}

func (h *RequestHandler) add(ctx context.Context, r AddRequest) (EntryResponse, error) {
	expiry, err := parseExpiry(r.Expiry)
	if err != nil {
		return EntryResponse{}, err
	}

	cred, err := h.credentials.Add(ctx, AddParams{
		Name:   r.Name,
		PIN:    r.PinCode,
		Type:   model.CodeType(r.CodeType),
		Slot:   r.Slot,
		Expiry: expiry,
	})
	if err != nil {
		return EntryResponse{}, err
	}
	return EntryResponse{Entry: toCodeView(cred)}, nil
}

func (h *RequestHandler) remove(ctx context.Context, r RemoveRequest) (RemoveResponse, error) {
	if r.Slot == nil {
		return RemoveResponse{}, invalid("slot", "is required")
	}
	if err := h.credentials.Remove(ctx, *r.Slot); err != nil {
		return RemoveResponse{}, err
	}
	return RemoveResponse{Success: true}, nil
}

func (h *RequestHandler) updateExpiry(ctx context.Context, r UpdateExpiryRequest) (EntryResponse, error) {
	if r.Slot == nil {
		return EntryResponse{}, invalid("slot", "is required")
	}
	expiry, err := parseExpiry(r.Expiry)
	if err != nil {
		return EntryResponse{}, err
	}

	cred, err := h.credentials.UpdateExpiry(ctx, *r.Slot, expiry)
	if err != nil {
		return EntryResponse{}, err
	}
	return EntryResponse{Entry: toCodeView(cred)}, nil
}

func (h *RequestHandler) suggestSlots(ctx context.Context, r SuggestSlotsRequest) (SuggestSlotsResponse, error) {
	count := r.Count
	if count < 0 {
		return SuggestSlotsResponse{}, invalid("count", "must not be negative")
	}
	if count == 0 {
		count = defaultSuggestCount
	}

	slots, err := h.allocator.Suggest(ctx, count)
	if err != nil {
		return SuggestSlotsResponse{}, err
	}
	return SuggestSlotsResponse{Slots: slots}, nil
}

func (h *RequestHandler) config() ConfigResponse {
	settings := h.settings.Get()
	return ConfigResponse{
		AutoExpire:  settings.AutoExpire,
		CleanupTime: settings.CleanupTime.String(),
	}
}

func (h *RequestHandler) cleanupExpired(ctx context.Context) CleanupResponse {
	res := h.sweeper.SweepNow(ctx)
	return CleanupResponse{
		Removed: len(res.Removed),
		Slots:   res.Removed,
		Failed:  res.Failed,
	}
}

// parseExpiry accepts a calendar date ("2024-01-01") or an RFC 3339 timestamp,
// whose date is taken in local time. Nil or empty means no expiry.
func parseExpiry(s *string) (*civil.Date, error) {
	if s == nil || *s == "" {
		return nil, nil
	}

	if d, err := civil.ParseDate(*s); err == nil {
		return &d, nil
	}
	if t, err := time.Parse(time.RFC3339, *s); err == nil {
		d := civil.DateOf(t.In(time.Local))
		return &d, nil
	}

	return nil, invalid("expiry", "%q is not a date (YYYY-MM-DD)", *s)
}

func toCodeView(c model.Credential) CodeView {
	var expiry *string
	if c.Expiry != nil {
		s := c.Expiry.String()
		expiry = &s
	}

	return CodeView{
		Slot:         c.Slot,
		Name:         c.Name,
		Type:         c.Type,
		Expiry:       expiry,
		Status:       c.Status,
		Created:      formatTimestamp(c.CreatedAt),
		Updated:      formatTimestamp(c.UpdatedAt),
		Inconsistent: c.Inconsistent,
	}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
