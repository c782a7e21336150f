package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/model"
)

func TestContextResolver(t *testing.T) {
	r := ContextResolver{}

	t.Run("requires authenticated actor", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), &testActor)
		assert.Equal(t, apperrors.ErrCodeUnauthorized, apperrors.GetCode(err), "claims in the body are not trusted")
	})

	t.Run("returns context actor", func(t *testing.T) {
		actor := testActor
		got, err := r.Resolve(WithActor(context.Background(), &actor), nil)
		require.NoError(t, err)
		assert.Equal(t, testActor, *got)
	})

	t.Run("partial actor is rejected", func(t *testing.T) {
		partial := &model.Actor{AccountID: testActor.AccountID}
		_, err := r.Resolve(WithActor(context.Background(), partial), nil)
		assert.Error(t, err)
	})
}

func TestFallbackResolver(t *testing.T) {
	ctx := context.Background()

	t.Run("complete actor needs no lookup", func(t *testing.T) {
		r := NewFallbackResolver(&fakeIdentityRepo{err: errors.New("must not be called")}, time.Second)
		got, err := r.Resolve(ctx, &testActor)
		require.NoError(t, err)
		assert.Equal(t, testActor, *got)
	})

	t.Run("fills missing fields", func(t *testing.T) {
		repo := &fakeIdentityRepo{account: "acc", organization: "org", user: "usr"}
		got, err := NewFallbackResolver(repo, time.Second).Resolve(ctx, &model.Actor{UserID: "me"})
		require.NoError(t, err)
		assert.Equal(t, model.Actor{AccountID: "acc", OrganizationID: "org", UserID: "me"}, *got)
	})

	tests := []struct {
		name string
		repo *fakeIdentityRepo
		code apperrors.ErrorCode
	}{
		{name: "no account", repo: &fakeIdentityRepo{}, code: apperrors.ErrCodeNoAccountFound},
		{name: "no organization", repo: &fakeIdentityRepo{account: "acc"}, code: apperrors.ErrCodeNoOrganizationFound},
		{name: "no user", repo: &fakeIdentityRepo{account: "acc", organization: "org"}, code: apperrors.ErrCodeNoUserFound},
		{name: "store failure", repo: &fakeIdentityRepo{err: errors.New("down")}, code: apperrors.ErrCodeDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFallbackResolver(tt.repo, time.Second).Resolve(ctx, nil)
			assert.Equal(t, tt.code, apperrors.GetCode(err))
		})
	}
}

func TestStaticResolver(t *testing.T) {
	got, err := StaticResolver{Actor: testActor}.Resolve(context.Background(), &model.Actor{AccountID: "other"})
	require.NoError(t, err)
	assert.Equal(t, testActor, *got)
}

func TestStoreErr(t *testing.T) {
	assert.Nil(t, storeErr(nil))
	assert.Equal(t, apperrors.ErrCodeStoreTimeout, apperrors.GetCode(storeErr(context.DeadlineExceeded)))
	assert.Equal(t, apperrors.ErrCodeDatabase, apperrors.GetCode(storeErr(errors.New("x"))))
	assert.Equal(t, apperrors.ErrCodeDeviceNotFound, apperrors.GetCode(storeErr(apperrors.DeviceNotFound())))
}
