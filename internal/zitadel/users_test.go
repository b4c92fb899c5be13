package zitadel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/famedly/famedly-sync/internal/model"
)

func newTestClient(serverURL string) *Client {
	return &Client{
		baseURL:   serverURL,
		orgID:     "org1",
		projectID: "proj1",
		idpID:     "idp1",
		http:      &http.Client{Timeout: 5 * time.Second},
		tokens: newTokenManager(oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: "test-token"})),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func grantsHandler(t *testing.T, userIDs ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req userSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result := []map[string]any{}
		if req.Query.Offset == 0 {
			for _, id := range userIDs {
				result = append(result, map[string]any{"userId": id})
			}
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"result": result})
	}
}

func TestListUsers_PagedSortedFiltered(t *testing.T) {
	// First page is full (pageSize entries), second page has two, one
	// of which is not granted on the project.
	firstPage := make([]map[string]any, 0, pageSize)
	grantedIDs := make([]string, 0, pageSize+2)
	for i := 0; i < pageSize; i++ {
		id := fmt.Sprintf("user-%03d", i)
		grantedIDs = append(grantedIDs, id)
		firstPage = append(firstPage, map[string]any{
			"id":       id,
			"state":    "USER_STATE_ACTIVE",
			"userName": fmt.Sprintf("user%03d@x.test", i),
			"human": map[string]any{
				"profile": map[string]any{"nickName": fmt.Sprintf("%03d", i)},
			},
		})
	}
	grantedIDs = append(grantedIDs, "user-last")

	mux := http.NewServeMux()
	mux.HandleFunc("/management/v1/users/grants/_search", grantsHandler(t, grantedIDs...))
	mux.HandleFunc("/management/v1/users/_search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-token", r.Header.Get("Authorization")[len("Bearer "):])
		assert.Equal(t, "org1", r.Header.Get("x-zitadel-orgid"))

		var req userSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "USER_FIELD_NAME_NICK_NAME", req.SortingColumn)
		assert.True(t, req.Query.Asc)

		if req.Query.Offset == 0 {
			writeJSON(t, w, http.StatusOK, map[string]any{"result": firstPage})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{"result": []map[string]any{
			{
				"id":       "user-last",
				"state":    "USER_STATE_INACTIVE",
				"userName": "zoe@x.test",
				"human": map[string]any{
					"profile": map[string]any{"nickName": "zzz", "firstName": "Zoe"},
					"email":   map[string]any{"email": "zoe@x.test"},
				},
			},
			{
				// Not granted on the project: must be filtered out.
				"id":       "user-ungranted",
				"state":    "USER_STATE_ACTIVE",
				"userName": "other@x.test",
				"human":    map[string]any{"profile": map[string]any{"nickName": "aaa"}},
			},
		}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	users, errc := client.ListUsers(context.Background())

	var got []User
	for u := range users {
		got = append(got, u)
	}
	require.NoError(t, <-errc)

	require.Len(t, got, pageSize+1)
	assert.Equal(t, "user-000", got[0].ID)
	assert.True(t, got[0].Enabled)

	last := got[len(got)-1]
	assert.Equal(t, "user-last", last.ID)
	assert.Equal(t, "zzz", last.Nickname)
	assert.Equal(t, "Zoe", last.FirstName)
	assert.False(t, last.Enabled)
}

func TestListUsers_Unavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	users, errc := client.ListUsers(context.Background())
	for range users {
	}
	err := <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetUserByNickname(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/management/v1/users/_search", func(w http.ResponseWriter, r *http.Request) {
		var req userSearchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data, err := json.Marshal(req.Queries)
		require.NoError(t, err)
		if assert.Contains(t, string(data), "616c696365") {
			writeJSON(t, w, http.StatusOK, map[string]any{"result": []map[string]any{{
				"id":       "user-1",
				"state":    "USER_STATE_ACTIVE",
				"userName": "alice@x.test",
				"human": map[string]any{
					"profile": map[string]any{"nickName": "616c696365"},
					"email":   map[string]any{"email": "alice@x.test"},
				},
			}}})
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	user, err := client.GetUserByNickname(context.Background(), "616c696365")
	require.NoError(t, err)
	assert.Equal(t, "user-1", user.ID)
	assert.Equal(t, "616c696365", user.Nickname)
}

func TestGetUserByNickname_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"result": []any{}})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.GetUserByNickname(context.Background(), "deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)
}

func testUser() model.User {
	return model.User{
		ExternalID:        []byte("alice"),
		FirstName:         "Alice",
		LastName:          "Doe",
		Email:             "alice@x.test",
		PreferredUsername: "alice",
		Phone:             "+10000000001",
		Localpart:         "616c696365",
		Enabled:           true,
	}
}

func TestCreateHuman(t *testing.T) {
	var phoneBody map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/v2/users/human", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "616c696365", body["userId"])
		assert.Equal(t, "alice@x.test", body["username"])

		profile := body["profile"].(map[string]any)
		assert.Equal(t, "616c696365", profile["nickName"])
		assert.Equal(t, "Doe, Alice", profile["displayName"])

		email := body["email"].(map[string]any)
		assert.Equal(t, true, email["isVerified"], "verify_email off means the address is stored verified")

		writeJSON(t, w, http.StatusCreated, map[string]any{"userId": "616c696365"})
	})
	mux.HandleFunc("/management/v1/users/616c696365/phone", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&phoneBody))
		writeJSON(t, w, http.StatusOK, map[string]any{})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	id, err := client.CreateHuman(context.Background(), testUser())
	require.NoError(t, err)
	assert.Equal(t, "616c696365", id)
	assert.Equal(t, "+10000000001", phoneBody["phone"])
}

func TestCreateHuman_InvalidPhoneKeepsUser(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/users/human", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]any{"userId": "user-1"})
	})
	mux.HandleFunc("/management/v1/users/user-1/phone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]any{
			"message": "Errors.User.Phone.Invalid: phone number is invalid (PHONE-so0wa)",
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	user := testUser()
	user.Phone = "abc"

	id, err := client.CreateHuman(context.Background(), user)
	require.NoError(t, err, "invalid phone must not fail the create")
	assert.Equal(t, "user-1", id)
}

func TestCreateHuman_OtherPhoneErrorFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/users/human", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]any{"userId": "user-1"})
	})
	mux.HandleFunc("/management/v1/users/user-1/phone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]any{"message": "some other validation failure"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.CreateHuman(context.Background(), testUser())
	require.Error(t, err)
}

func TestSetMetadata_Base64(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/management/v1/users/user-1/metadata/localpart", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("616c696365")), body["value"])
		writeJSON(t, w, http.StatusOK, map[string]any{})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	require.NoError(t, client.SetMetadata(context.Background(), "user-1", "localpart", "616c696365"))
}

func TestGrantProjectRole_AlreadyGranted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusConflict, map[string]any{
			"message": "User grant already exists (V2-dKcdE)",
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	assert.NoError(t, client.GrantProjectRole(context.Background(), "user-1"))
}

func TestHasIDPLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/management/v1/users/user-1/links/_search", r.URL.Path)
		writeJSON(t, w, http.StatusOK, map[string]any{"result": []map[string]any{
			{"idpId": "other-idp"},
			{"idpId": "idp1"},
		}})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	linked, err := client.HasIDPLink(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestAddIDPLink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/management/v1/users/user-1/links", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "idp1", body["idpId"])
		assert.Equal(t, "616c696365", body["linkedUserId"])
		assert.Equal(t, "alice@x.test", body["linkedUserName"])
		writeJSON(t, w, http.StatusOK, map[string]any{})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	require.NoError(t, client.AddIDPLink(context.Background(), "user-1", testUser()))
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{"message": "User.NotFound"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	assert.NoError(t, client.Delete(context.Background(), "user-1"))
}

func TestDeactivate_TwiceIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]any{
			"message": "user is already deactivated (USER-D5spe)",
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	assert.NoError(t, client.Deactivate(context.Background(), "user-1"))
}

// countingTokenSource mints a new token on every call so the refresh
// path is observable.
type countingTokenSource struct {
	calls int
}

func (s *countingTokenSource) Token() (*oauth2.Token, error) {
	s.calls++
	return &oauth2.Token{AccessToken: fmt.Sprintf("token-%d", s.calls)}, nil
}

func TestDo_RefreshesTokenOn401(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		if len(seen) == 1 {
			writeJSON(t, w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{})
	}))
	defer server.Close()

	source := &countingTokenSource{}
	client := newTestClient(server.URL)
	client.tokens = newTokenManager(source)

	err := client.do(context.Background(), "POST", "/management/v1/users/user-1/_deactivate", struct{}{}, nil)
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "Bearer token-1", seen[0])
	assert.Equal(t, "Bearer token-2", seen[1])
}

func TestDo_AuthErrorAfterRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]any{"message": "nope"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.tokens = newTokenManager(&countingTokenSource{})

	err := client.do(context.Background(), "POST", "/management/v1/users/user-1/_deactivate", struct{}{}, nil)
	assert.ErrorIs(t, err, ErrAuth)
}
