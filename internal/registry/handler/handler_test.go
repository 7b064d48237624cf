package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"namereg/internal/access"
	escrowservice "namereg/internal/escrow/service"
	escrowmem "namereg/internal/escrow/store/memory"
	jwttoken "namereg/internal/jwt_token"
	ledgerservice "namereg/internal/ledger/service"
	ledgermem "namereg/internal/ledger/store/memory"
	"namereg/internal/registry/service"
	"namereg/internal/registry/store/memory"
	tokenmem "namereg/internal/token/memory"
	"namereg/pkg/domain"
	authmw "namereg/pkg/platform/middleware/auth"
	"namereg/pkg/platform/tx"
	"namereg/pkg/testutil"
)

const escrowAccount domain.Principal = "escrow"

type HandlerSuite struct {
	suite.Suite
	router  http.Handler
	service *service.Service
	jwt     *jwttoken.JWTService
	token   *tokenmem.Ledger
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := tx.NewSharded()

	s.token = tokenmem.NewLedger()
	for _, p := range []domain.Principal{"alice", "bob"} {
		s.token.Mint(p, 100)
		s.token.Approve(p, escrowAccount, 100)
	}

	ledger, err := ledgerservice.New(ledgermem.New(), runner)
	s.Require().NoError(err)
	escrow, err := escrowservice.New(escrowmem.New(), s.token.Client(escrowAccount), escrowAccount, runner)
	s.Require().NoError(err)
	control := access.NewStatic(map[domain.Principal][]string{
		"admin": {access.CapabilitySetCost, access.CapabilityCheckConsistency},
	})
	registry, err := service.New(memory.New(), ledger, escrow, runner,
		service.WithDefaultCost(40),
		service.WithAccessControl(control),
		service.WithLogger(logger),
	)
	s.Require().NoError(err)
	s.service = registry

	s.jwt = jwttoken.NewJWTService("test-signing-key", "namereg", "namereg-api")
	requireAuth := authmw.RequireAuth(jwttoken.NewJWTServiceAdapter(s.jwt), logger)

	r := chi.NewRouter()
	New(registry, logger).Register(r, requireAuth)
	s.router = r
}

func (s *HandlerSuite) do(method, path string, as domain.Principal, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequestWithContext(context.Background(), method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if as != domain.NullPrincipal {
		token, err := s.jwt.GenerateAccessToken(as, time.Minute)
		s.Require().NoError(err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) decode(rec *httptest.ResponseRecorder, v any) {
	s.Require().NoError(json.NewDecoder(rec.Body).Decode(v))
}

func (s *HandlerSuite) errorCode(rec *httptest.ResponseRecorder) string {
	var body struct {
		Error string `json:"error"`
	}
	s.decode(rec, &body)
	return body.Error
}

func (s *HandlerSuite) TestRegisterLookupDestroy() {
	rec := s.do(http.MethodPost, "/names", "alice", map[string]string{"name": "Alice", "metadata_uri": "ipfs://x"})
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())
	var reg RegistrationResponse
	s.decode(rec, &reg)
	s.Equal("alice", reg.Name)
	s.Equal("alice", reg.Owner)
	s.Equal(uint64(40), reg.Stake)
	s.Equal(domain.DeriveIdentifier("alice").String(), reg.Identifier)

	rec = s.do(http.MethodPost, "/names", "bob", map[string]string{"name": "alice"})
	s.Equal(http.StatusConflict, rec.Code)
	s.Equal("name_taken", s.errorCode(rec))

	rec = s.do(http.MethodGet, "/names/alice", domain.NullPrincipal, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var view NameResponse
	s.decode(rec, &view)
	s.Equal("alice", view.Owner)
	s.Equal(uint64(40), view.Stake)
	s.Equal("ipfs://x", view.MetadataURI)

	rec = s.do(http.MethodGet, "/names/"+reg.Identifier, domain.NullPrincipal, nil)
	s.Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/names/alice/availability", domain.NullPrincipal, nil)
	var avail AvailabilityResponse
	s.decode(rec, &avail)
	s.False(avail.Available)

	rec = s.do(http.MethodDelete, "/names/alice", "bob", nil)
	s.Equal(http.StatusForbidden, rec.Code)
	s.Equal("not_authorized", s.errorCode(rec))

	rec = s.do(http.MethodDelete, "/names/alice", "alice", nil)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())
	var out DestructionResponse
	s.decode(rec, &out)
	s.Equal(uint64(40), out.Refund)
	s.Equal(domain.Quantity(100), s.token.Balance("alice"))

	rec = s.do(http.MethodGet, "/names/alice", domain.NullPrincipal, nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestAuthentication() {
	rec := s.do(http.MethodPost, "/names", domain.NullPrincipal, map[string]string{"name": "alice"})
	s.Equal(http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/names", bytes.NewReader([]byte(`{"name":"alice"}`)))
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Equal(http.StatusUnauthorized, w.Code)
}

func (s *HandlerSuite) TestValidation() {
	s.Run("unknown field", func() {
		rec := s.do(http.MethodPost, "/names", "alice", map[string]string{"name": "alice", "owner": "bob"})
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("bad_request", s.errorCode(rec))
	})
	s.Run("invalid name", func() {
		rec := s.do(http.MethodPost, "/names", "alice", map[string]string{"name": "not valid!"})
		s.Equal(http.StatusBadRequest, rec.Code)
		s.Equal("invalid_name", s.errorCode(rec))
	})
	s.Run("insufficient funds", func() {
		rec := s.do(http.MethodPost, "/names", "carol", map[string]string{"name": "carol"})
		s.Equal(http.StatusPaymentRequired, rec.Code)
		s.Equal("transfer_failed", s.errorCode(rec))
	})
}

func (s *HandlerSuite) TestTransferAndNamesOf() {
	rec := s.do(http.MethodPost, "/names", "alice", map[string]string{"name": "alice"})
	s.Require().Equal(http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/names/alice/transfer", "alice", map[string]string{"to": "bob"})
	s.Require().Equal(http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/principals/bob/names", domain.NullPrincipal, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var list struct {
		Names []struct {
			Name string `json:"name"`
		} `json:"names"`
	}
	s.decode(rec, &list)
	s.Require().Len(list.Names, 1)
	s.Equal("alice", list.Names[0].Name)

	rec = s.do(http.MethodGet, "/principals/alice/names", domain.NullPrincipal, nil)
	s.decode(rec, &list)
	s.Empty(list.Names)

	rec = s.do(http.MethodPost, "/names/alice/approve", "alice", map[string]string{"delegate": "carol"})
	s.Equal(http.StatusForbidden, rec.Code)
}

func (s *HandlerSuite) TestWithdrawals() {
	rec := s.do(http.MethodGet, "/withdrawals", "alice", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var pending AmountResponse
	s.decode(rec, &pending)
	s.Zero(pending.Amount)

	rec = s.do(http.MethodPost, "/withdrawals", "alice", nil)
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestAdmin() {
	rec := s.do(http.MethodPut, "/admin/cost", "alice", map[string]uint64{"cost": 5})
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPut, "/admin/cost", "admin", map[string]uint64{"cost": 0})
	s.Equal(http.StatusBadRequest, rec.Code)
	s.Equal("invalid_amount", s.errorCode(rec))

	rec = s.do(http.MethodPut, "/admin/cost", "admin", map[string]uint64{"cost": 5})
	s.Require().Equal(http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/cost", domain.NullPrincipal, nil)
	var cost CostResponse
	s.decode(rec, &cost)
	s.Equal(uint64(5), cost.Cost)

	rec = s.do(http.MethodPost, "/names", "bob", map[string]string{"name": "bob"})
	s.Require().Equal(http.StatusCreated, rec.Code)

	rec = s.do(http.MethodGet, "/admin/consistency", "bob", nil)
	s.Equal(http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/admin/consistency", "admin", nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var report struct {
		Records    int   `json:"records"`
		Violations []any `json:"violations"`
	}
	s.decode(rec, &report)
	s.Equal(1, report.Records)
	s.Empty(report.Violations)

	rec = s.do(http.MethodGet, "/stats", domain.NullPrincipal, nil)
	s.Require().Equal(http.StatusOK, rec.Code)
	var stats struct {
		LiveNames   int64  `json:"live_names"`
		StakeLocked uint64 `json:"stake_locked"`
	}
	s.decode(rec, &stats)
	s.Equal(int64(1), stats.LiveNames)
	s.Equal(uint64(5), stats.StakeLocked)
}

// The handlers read the caller from the request context, so they work behind
// any middleware that sets it.
func (s *HandlerSuite) TestHandlersReadCallerFromContext() {
	t := s.T()
	h := s.router

	req := testutil.NewJSONRequest(t, http.MethodPost, "/names", map[string]string{"name": "ctx"})
	rr := testutil.DoRequest(h, testutil.WithPrincipal(req, "alice"))
	testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")

	var direct *Handler
	s.Run("direct handler call", func() {
		t := s.T()
		direct = New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil)))
		req := testutil.WithPrincipal(testutil.NewJSONRequest(t, http.MethodPost, "/names", map[string]string{"name": "ctx"}), "alice")
		rr := httptest.NewRecorder()
		direct.HandleRegister(rr, testutil.WithRequestID(req, "req-1"))
		testutil.AssertStatus(t, rr, http.StatusCreated)
		reg := testutil.UnmarshalResponse[RegistrationResponse](t, rr)
		s.Equal("alice", reg.Owner)
	})

	s.Run("missing caller", func() {
		t := s.T()
		rr := httptest.NewRecorder()
		direct.HandleWithdraw(rr, testutil.NewJSONRequest(t, http.MethodPost, "/withdrawals", nil))
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})
}
