package xapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xscraper/pkg/logger"
)

func TestTokenBootstrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("auth_token")
		if err != nil || c.Value != "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "ct0", Value: "fresh-csrf", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "guest_id", Value: "g1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewTokenBootstrap(logger.NewNopLogger())
	b.HomeURL = srv.URL + "/home"

	t.Run("returns site cookies", func(t *testing.T) {
		cookies, err := b.BootstrapToken(context.Background(), "tok-1", "")
		require.NoError(t, err)
		assert.Equal(t, "fresh-csrf", cookies["ct0"])
		assert.Equal(t, "tok-1", cookies["auth_token"])
		assert.Equal(t, "g1", cookies["guest_id"])
	})

	t.Run("rejected token", func(t *testing.T) {
		_, err := b.BootstrapToken(context.Background(), "bad", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("missing token", func(t *testing.T) {
		_, err := b.BootstrapToken(context.Background(), "", "")
		assert.Error(t, err)
	})
}
