package zitadel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/famedly/famedly-sync/internal/model"
)

// pageSize is the page size for user and grant listings.
const pageSize = 100

// listBuffer bounds the channel between the page fetcher and the
// consumer so paging can overlap with reconciliation.
const listBuffer = 64

type searchQuery struct {
	Offset int  `json:"offset"`
	Limit  int  `json:"limit"`
	Asc    bool `json:"asc"`
}

type userSearchRequest struct {
	Query         searchQuery `json:"query"`
	SortingColumn string      `json:"sortingColumn,omitempty"`
	Queries       []any       `json:"queries,omitempty"`
}

type typeQuery struct {
	TypeQuery struct {
		Type string `json:"type"`
	} `json:"typeQuery"`
}

type nickNameQuery struct {
	NickNameQuery struct {
		NickName string `json:"nickName"`
		Method   string `json:"method"`
	} `json:"nickNameQuery"`
}

type userResult struct {
	ID       string `json:"id"`
	State    string `json:"state"`
	UserName string `json:"userName"`
	Human    *struct {
		Profile struct {
			FirstName   string `json:"firstName"`
			LastName    string `json:"lastName"`
			NickName    string `json:"nickName"`
			DisplayName string `json:"displayName"`
		} `json:"profile"`
		Email struct {
			Email string `json:"email"`
		} `json:"email"`
		Phone struct {
			Phone string `json:"phone"`
		} `json:"phone"`
	} `json:"human"`
}

func (r userResult) toUser() User {
	u := User{
		ID:       r.ID,
		UserName: r.UserName,
		Enabled:  r.State == "USER_STATE_ACTIVE",
	}
	if r.Human != nil {
		u.Nickname = r.Human.Profile.NickName
		u.FirstName = r.Human.Profile.FirstName
		u.LastName = r.Human.Profile.LastName
		u.DisplayName = r.Human.Profile.DisplayName
		u.Email = r.Human.Email.Email
		u.Phone = r.Human.Phone.Phone
	}
	return u
}

// ListUsers streams the organization's human users holding the User
// grant on the configured project, in ascending nickname order. The
// grant restriction is resolved server-side via the grant search; the
// user listing itself is sorted server-side on the nickname column.
func (c *Client) ListUsers(ctx context.Context) (<-chan User, <-chan error) {
	users := make(chan User, listBuffer)
	errc := make(chan error, 1)

	go func() {
		defer close(users)
		defer close(errc)

		granted, err := c.grantedUserIDs(ctx)
		if err != nil {
			errc <- fmt.Errorf("list project grants: %w", err)
			return
		}

		offset := 0
		for {
			req := userSearchRequest{
				Query:         searchQuery{Offset: offset, Limit: pageSize, Asc: true},
				SortingColumn: "USER_FIELD_NAME_NICK_NAME",
				Queries:       []any{humanTypeQuery()},
			}

			var resp struct {
				Result []userResult `json:"result"`
			}
			if err := c.do(ctx, "POST", "/management/v1/users/_search", req, &resp); err != nil {
				errc <- fmt.Errorf("search users: %w", err)
				return
			}

			for _, r := range resp.Result {
				if !granted[r.ID] {
					continue
				}
				select {
				case users <- r.toUser():
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}

			if len(resp.Result) < pageSize {
				return
			}
			offset += len(resp.Result)
		}
	}()

	return users, errc
}

func humanTypeQuery() typeQuery {
	var q typeQuery
	q.TypeQuery.Type = "TYPE_HUMAN"
	return q
}

// grantedUserIDs collects the IDs of all users holding the User role
// on the configured project.
func (c *Client) grantedUserIDs(ctx context.Context) (map[string]bool, error) {
	type projectIDQuery struct {
		ProjectIDQuery struct {
			ProjectID string `json:"projectId"`
		} `json:"projectIdQuery"`
	}
	type roleKeyQuery struct {
		RoleKeyQuery struct {
			RoleKey string `json:"roleKey"`
		} `json:"roleKeyQuery"`
	}

	var pq projectIDQuery
	pq.ProjectIDQuery.ProjectID = c.projectID
	var rq roleKeyQuery
	rq.RoleKeyQuery.RoleKey = RoleUser

	granted := map[string]bool{}
	offset := 0
	for {
		req := userSearchRequest{
			Query:   searchQuery{Offset: offset, Limit: pageSize, Asc: true},
			Queries: []any{pq, rq},
		}

		var resp struct {
			Result []struct {
				UserID string `json:"userId"`
			} `json:"result"`
		}
		if err := c.do(ctx, "POST", "/management/v1/users/grants/_search", req, &resp); err != nil {
			return nil, err
		}

		for _, grant := range resp.Result {
			granted[grant.UserID] = true
		}

		if len(resp.Result) < pageSize {
			return granted, nil
		}
		offset += len(resp.Result)
	}
}

// GetUserByNickname looks up a single user by the external-ID hex
// stored in the nickname field. Returns ErrNotFound when no user
// matches.
func (c *Client) GetUserByNickname(ctx context.Context, nickHex string) (*User, error) {
	var nq nickNameQuery
	nq.NickNameQuery.NickName = nickHex
	nq.NickNameQuery.Method = "TEXT_QUERY_METHOD_EQUALS"

	req := userSearchRequest{
		Query:   searchQuery{Offset: 0, Limit: 2, Asc: true},
		Queries: []any{humanTypeQuery(), nq},
	}

	var resp struct {
		Result []userResult `json:"result"`
	}
	if err := c.do(ctx, "POST", "/management/v1/users/_search", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, fmt.Errorf("%w: nickname %s", ErrNotFound, nickHex)
	}

	user := resp.Result[0].toUser()
	return &user, nil
}

// CreateHuman creates the user with the localpart as its resource ID.
// The phone number is set in a separate call; when Zitadel rejects it
// as invalid the user is kept without a phone and the absence logged.
func (c *Client) CreateHuman(ctx context.Context, u model.User) (string, error) {
	type organization struct {
		OrgID string `json:"orgId"`
	}
	req := struct {
		UserID       string       `json:"userId,omitempty"`
		Username     string       `json:"username"`
		Organization organization `json:"organization"`
		Profile      struct {
			GivenName   string `json:"givenName"`
			FamilyName  string `json:"familyName"`
			NickName    string `json:"nickName"`
			DisplayName string `json:"displayName"`
		} `json:"profile"`
		Email struct {
			Email      string `json:"email"`
			IsVerified bool   `json:"isVerified"`
		} `json:"email"`
	}{
		UserID:       u.Localpart,
		Username:     u.Email,
		Organization: organization{OrgID: c.orgID},
	}
	req.Profile.GivenName = u.FirstName
	req.Profile.FamilyName = u.LastName
	req.Profile.NickName = u.ExternalIDHex()
	req.Profile.DisplayName = u.DisplayName()
	req.Email.Email = u.Email
	req.Email.IsVerified = !c.verifyEmail

	var resp struct {
		UserID string `json:"userId"`
	}
	if err := c.do(ctx, "POST", "/v2/users/human", req, &resp); err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}

	if u.Phone != "" {
		if err := c.UpdatePhone(ctx, resp.UserID, u.Phone); err != nil {
			if !isInvalidPhone(err) {
				return resp.UserID, fmt.Errorf("set phone: %w", err)
			}
			c.logger.Warn("created user without phone, number rejected as invalid",
				"external_id", u.ExternalIDHex())
		}
	}

	return resp.UserID, nil
}

// UpdateProfile updates names, display name and nickname.
func (c *Client) UpdateProfile(ctx context.Context, userID string, u model.User) error {
	req := struct {
		FirstName   string `json:"firstName"`
		LastName    string `json:"lastName"`
		NickName    string `json:"nickName"`
		DisplayName string `json:"displayName"`
	}{
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		NickName:    u.ExternalIDHex(),
		DisplayName: u.DisplayName(),
	}
	return c.do(ctx, "PUT", "/management/v1/users/"+url.PathEscape(userID)+"/profile", req, nil)
}

// UpdateEmail changes the email via its dedicated endpoint; email is
// also the login name, so this has user-visible side effects.
func (c *Client) UpdateEmail(ctx context.Context, userID, email string) error {
	req := struct {
		Email           string `json:"email"`
		IsEmailVerified bool   `json:"isEmailVerified"`
	}{Email: email, IsEmailVerified: !c.verifyEmail}
	return c.do(ctx, "PUT", "/management/v1/users/"+url.PathEscape(userID)+"/email", req, nil)
}

// UpdatePhone changes the phone number via its dedicated endpoint.
func (c *Client) UpdatePhone(ctx context.Context, userID, phone string) error {
	req := struct {
		Phone           string `json:"phone"`
		IsPhoneVerified bool   `json:"isPhoneVerified"`
	}{Phone: phone, IsPhoneVerified: !c.verifyPhone}
	return c.do(ctx, "PUT", "/management/v1/users/"+url.PathEscape(userID)+"/phone", req, nil)
}

// RemovePhone drops the phone number.
func (c *Client) RemovePhone(ctx context.Context, userID string) error {
	err := c.do(ctx, "DELETE", "/management/v1/users/"+url.PathEscape(userID)+"/phone", nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SetMetadata stores a metadata value; the API requires base64.
func (c *Client) SetMetadata(ctx context.Context, userID, key, value string) error {
	req := struct {
		Value string `json:"value"`
	}{Value: base64.StdEncoding.EncodeToString([]byte(value))}
	path := "/management/v1/users/" + url.PathEscape(userID) + "/metadata/" + url.PathEscape(key)
	return c.do(ctx, "POST", path, req, nil)
}

// GrantProjectRole grants the User role on the configured project. An
// existing grant is a success.
func (c *Client) GrantProjectRole(ctx context.Context, userID string) error {
	req := struct {
		ProjectID string   `json:"projectId"`
		RoleKeys  []string `json:"roleKeys"`
	}{ProjectID: c.projectID, RoleKeys: []string{RoleUser}}

	err := c.do(ctx, "POST", "/management/v1/users/"+url.PathEscape(userID)+"/grants", req, nil)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// HasIDPLink reports whether the user is already linked to the
// configured identity provider.
func (c *Client) HasIDPLink(ctx context.Context, userID string) (bool, error) {
	req := struct {
		Query searchQuery `json:"query"`
	}{Query: searchQuery{Offset: 0, Limit: pageSize, Asc: true}}

	var resp struct {
		Result []struct {
			IDPID string `json:"idpId"`
		} `json:"result"`
	}
	if err := c.do(ctx, "POST", "/management/v1/users/"+url.PathEscape(userID)+"/links/_search", req, &resp); err != nil {
		return false, err
	}

	for _, link := range resp.Result {
		if link.IDPID == c.idpID {
			return true, nil
		}
	}
	return false, nil
}

// AddIDPLink ties the user to their upstream identity so SSO login
// resolves to this account. An existing link is a success.
func (c *Client) AddIDPLink(ctx context.Context, userID string, u model.User) error {
	req := struct {
		IDPID          string `json:"idpId"`
		LinkedUserID   string `json:"linkedUserId"`
		LinkedUserName string `json:"linkedUserName"`
	}{IDPID: c.idpID, LinkedUserID: u.ExternalIDHex(), LinkedUserName: u.Email}

	err := c.do(ctx, "POST", "/management/v1/users/"+url.PathEscape(userID)+"/links", req, nil)
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// Deactivate disables the user. Deactivating an already inactive user
// is a success.
func (c *Client) Deactivate(ctx context.Context, userID string) error {
	err := c.do(ctx, "POST", "/management/v1/users/"+url.PathEscape(userID)+"/_deactivate", struct{}{}, nil)
	if err != nil && isAlreadyInState(err, "deactivated") {
		return nil
	}
	return err
}

// Reactivate re-enables the user. Reactivating an active user is a
// success.
func (c *Client) Reactivate(ctx context.Context, userID string) error {
	err := c.do(ctx, "POST", "/management/v1/users/"+url.PathEscape(userID)+"/_reactivate", struct{}{}, nil)
	if err != nil && isAlreadyInState(err, "active") {
		return nil
	}
	return err
}

// Delete removes the user. Deleting a user that is already gone is a
// success.
func (c *Client) Delete(ctx context.Context, userID string) error {
	err := c.do(ctx, "DELETE", "/management/v1/users/"+url.PathEscape(userID), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
