package sqlite

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/model"
	"github.com/FredrikElliot/ha-nimly-manager/internal/domain/port/driven"
)

func newTestCredential(slot int, name string) model.Credential {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return model.Credential{
		Slot:      slot,
		Name:      name,
		PIN:       "123456",
		Type:      model.CodeTypePermanent,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestCredentialRepo_InsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	expiry := civil.Date{Year: 2024, Month: time.July, Day: 14}
	cred := newTestCredential(5, "Alice")
	cred.Type = model.CodeTypeGuest
	cred.Expiry = &expiry

	require.NoError(t, repo.Insert(ctx, cred))

	got, err := repo.Get(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 5, got.Slot)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, model.CodeTypeGuest, got.Type)
	require.NotNil(t, got.Expiry)
	assert.Equal(t, expiry, *got.Expiry)
	assert.True(t, cred.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.PIN, "PIN must never be persisted")
}

func TestCredentialRepo_GetMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)

	got, err := repo.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCredentialRepo_InsertDuplicateSlot(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential(7, "First")))

	err := repo.Insert(ctx, newTestCredential(7, "Second"))
	require.ErrorIs(t, err, driven.ErrSlotTaken)

	got, err := repo.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "First", got.Name)
}

func TestCredentialRepo_ListOrderedBySlot(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	for _, slot := range []int{9, 0, 4} {
		require.NoError(t, repo.Insert(ctx, newTestCredential(slot, "user")))
	}

	creds, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 3)
	assert.Equal(t, 0, creds[0].Slot)
	assert.Equal(t, 4, creds[1].Slot)
	assert.Equal(t, 9, creds[2].Slot)

	slots, err := repo.Slots(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 9}, slots)
}

func TestCredentialRepo_ListEmpty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)

	creds, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, creds)
	assert.Empty(t, creds)
}

func TestCredentialRepo_UpdateExpiry(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	cred := newTestCredential(3, "Carol")
	require.NoError(t, repo.Insert(ctx, cred))

	expiry := civil.Date{Year: 2025, Month: time.January, Day: 2}
	later := cred.CreatedAt.Add(time.Hour)
	require.NoError(t, repo.UpdateExpiry(ctx, 3, &expiry, later))

	got, err := repo.Get(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, got.Expiry)
	assert.Equal(t, expiry, *got.Expiry)
	assert.True(t, later.Equal(got.UpdatedAt))
	assert.True(t, cred.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, "Carol", got.Name)

	require.NoError(t, repo.UpdateExpiry(ctx, 3, nil, later))
	got, err = repo.Get(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, got.Expiry)
}

func TestCredentialRepo_UpdateExpiryMissing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)

	err := repo.UpdateExpiry(context.Background(), 11, nil, time.Now())
	assert.ErrorIs(t, err, driven.ErrCredentialNotFound)
}

func TestCredentialRepo_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, newTestCredential(2, "Dave")))
	require.NoError(t, repo.Delete(ctx, 2))

	got, err := repo.Get(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = repo.Delete(ctx, 2)
	assert.ErrorIs(t, err, driven.ErrCredentialNotFound)
}
