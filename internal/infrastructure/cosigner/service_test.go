package cosigner_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirdeggen/p2m/internal/infrastructure/cosigner"
	perrors "github.com/sirdeggen/p2m/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{1}, 0), []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(1, []byte{0x51}))
	return tx
}

func encode(t *testing.T, tx *wire.MsgTx) string {
	var buf bytes.Buffer
	require.NoError(t, tx.SerializeNoWitness(&buf))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	tx := testTx()

	finalized := testTx()
	finalized.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{2}, 1), []byte{0x51}, nil))

	t.Run("valid", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/v1/transfer", r.URL.Path)
			require.Equal(t, "secret", r.URL.Query().Get("auth_token"))

			var body struct {
				RawTx string `json:"rawtx"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, encode(t, tx), body.RawTx)

			// nolint
			json.NewEncoder(w).Encode(map[string]string{"rawtx": encode(t, finalized)})
		}))
		defer srv.Close()

		svc, err := cosigner.NewService(srv.URL+"/", "secret", time.Second)
		require.NoError(t, err)

		got, err := svc.Submit(ctx, tx)
		require.NoError(t, err)
		require.Equal(t, finalized.TxHash(), got.TxHash())
	})

	t.Run("invalid", func(t *testing.T) {
		testCases := []struct {
			name       string
			handler    http.HandlerFunc
			statusCode int
			rejected   bool
		}{
			{
				name: "server error",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					http.Error(w, "boom", http.StatusInternalServerError)
				},
				statusCode: http.StatusInternalServerError,
			},
			{
				name: "unauthorized",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					http.Error(w, "bad token", http.StatusUnauthorized)
				},
				statusCode: http.StatusUnauthorized,
			},
			{
				name: "bad request",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					http.Error(w, "invalid signature", http.StatusBadRequest)
				},
				rejected: true,
			},
			{
				name: "rate limited",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					http.Error(w, "slow down", http.StatusTooManyRequests)
				},
				statusCode: http.StatusTooManyRequests,
			},
			{
				name: "missing rawtx",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					// nolint
					w.Write([]byte(`{"status":"ok"}`))
				},
				rejected: true,
			},
			{
				name: "undecodable rawtx",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					// nolint
					w.Write([]byte(`{"rawtx":"!!!"}`))
				},
				rejected: true,
			},
			{
				name: "not a transaction",
				handler: func(w http.ResponseWriter, _ *http.Request) {
					// nolint
					w.Write([]byte(`{"rawtx":"AAEC"}`))
				},
				rejected: true,
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				srv := httptest.NewServer(tc.handler)
				defer srv.Close()

				svc, err := cosigner.NewService(srv.URL, "secret", time.Second)
				require.NoError(t, err)

				got, err := svc.Submit(ctx, tx)
				require.Error(t, err)
				require.Nil(t, got)

				if tc.rejected {
					require.True(t, perrors.BROADCAST_REJECTED.Is(err))
					require.False(t, perrors.IsRetryable(err))
					return
				}
				require.True(t, perrors.NETWORK_ERROR.Is(err))
				require.True(t, perrors.IsRetryable(err))

				var typed perrors.TypedError[perrors.NetworkMetadata]
				require.ErrorAs(t, err, &typed)
				require.Equal(t, tc.statusCode, typed.TypedMetadata().StatusCode)
			})
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		svc, err := cosigner.NewService(srv.URL, "", 50*time.Millisecond)
		require.NoError(t, err)

		_, err = svc.Submit(ctx, tx)
		require.True(t, perrors.NETWORK_ERROR.Is(err))
	})

	t.Run("unreachable", func(t *testing.T) {
		svc, err := cosigner.NewService("http://127.0.0.1:1", "", time.Second)
		require.NoError(t, err)

		_, err = svc.Submit(ctx, tx)
		require.True(t, perrors.NETWORK_ERROR.Is(err))
	})
}

func TestNewService(t *testing.T) {
	_, err := cosigner.NewService("not a url", "", 0)
	require.Error(t, err)
}
