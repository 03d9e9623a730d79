package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

// --- User management ---

type userListEntry struct {
	ID          string   `json:"id"`
	Email       string   `json:"email"`
	DisplayName *string  `json:"display_name"`
	IsDisabled  bool     `json:"is_disabled"`
	HasPassword bool     `json:"has_password"`
	Roles       []string `json:"roles"`
}

// handleListUsers returns all users with their role names.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsersWithRoles(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	resp := make([]userListEntry, 0, len(users))

	for i := range users {
		user := &users[i]

		roles := make([]string, 0, len(user.Roles))
		for _, role := range user.Roles {
			roles = append(roles, role.Name)
		}

		resp = append(resp, userListEntry{
			ID:          user.ID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
			IsDisabled:  user.IsDisabled,
			HasPassword: user.PasswordHash != nil,
			Roles:       roles,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type createUserResponse struct {
	ID                  string `json:"id"`
	Email               string `json:"email"`
	SetupToken          string `json:"setupToken"`
	SetupTokenExpiresAt string `json:"setupTokenExpiresAt"`
}

// handleCreateUser invites a shell user and returns the one-time setup
// token.
func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Email == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"email is required"})

		return
	}

	principal := principalFromContext(r.Context())

	result, err := s.identity.CreateUser(
		r.Context(), principal, req.Email, req.DisplayName,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, createUserResponse{
		ID:                  result.User.ID,
		Email:               result.User.Email,
		SetupToken:          result.SetupToken,
		SetupTokenExpiresAt: result.SetupTokenExpiresAt.Format(timeFormat),
	})
}

// handleDeleteUser removes a user account.
func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())

	if err := s.identity.DeleteUser(
		r.Context(), principal, chi.URLParam(r, "userId"),
	); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type replaceRolesRequest struct {
	RoleNames []string `json:"roleNames"`
}

// handleReplaceUserRoles swaps a user's role set.
func (s *server) handleReplaceUserRoles(w http.ResponseWriter, r *http.Request) {
	var req replaceRolesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if len(req.RoleNames) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"roleNames must not be empty"})

		return
	}

	principal := principalFromContext(r.Context())

	user, err := s.identity.ReplaceUserRoles(
		r.Context(), principal, chi.URLParam(r, "userId"), req.RoleNames,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	roles := make([]string, 0, len(user.Roles))
	for _, role := range user.Roles {
		roles = append(roles, role.Name)
	}

	writeJSON(w, http.StatusOK, userListEntry{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		IsDisabled:  user.IsDisabled,
		HasPassword: user.PasswordHash != nil,
		Roles:       roles,
	})
}

// --- Role and permission management ---

type roleResponse struct {
	ID          uint     `json:"id"`
	Name        string   `json:"name"`
	Description *string  `json:"description"`
	Permissions []string `json:"permissions"`
	UsersCount  int64    `json:"users_count"`
}

func toRoleResponse(role *store.Role, usersCount int64) roleResponse {
	codes := make([]string, 0, len(role.Permissions))
	for _, perm := range role.Permissions {
		codes = append(codes, perm.Code)
	}

	return roleResponse{
		ID:          role.ID,
		Name:        role.Name,
		Description: role.Description,
		Permissions: codes,
		UsersCount:  usersCount,
	}
}

// handleListRoles returns every role with permissions and user counts.
func (s *server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRolesWithPermissions(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	resp := make([]roleResponse, 0, len(roles))
	for i := range roles {
		resp = append(resp, toRoleResponse(&roles[i].Role, roles[i].UsersCount))
	}

	writeJSON(w, http.StatusOK, resp)
}

type createRoleRequest struct {
	Name            string   `json:"name"`
	Description     *string  `json:"description"`
	PermissionCodes []string `json:"permissionCodes"`
}

// handleCreateRole creates a role with an optional permission grant.
func (s *server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"name is required"})

		return
	}

	role, err := s.identity.CreateRole(
		r.Context(), req.Name, req.Description, req.PermissionCodes,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, toRoleResponse(role, 0))
}

type replacePermissionsRequest struct {
	PermissionCodes []string `json:"permissionCodes"`
}

// handleReplaceRolePermissions swaps a role's permission set by code.
func (s *server) handleReplaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	var req replacePermissionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	roleName := chi.URLParam(r, "roleName")

	role, err := s.store.FindRoleByName(r.Context(), roleName)
	if err != nil {
		s.writeError(w, err)

		return
	}

	if err := s.identity.GrantPermissions(
		r.Context(), role.ID, req.PermissionCodes,
	); err != nil {
		s.writeError(w, err)

		return
	}

	updated, err := s.store.FindRoleByName(r.Context(), roleName)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, toRoleResponse(updated, 0))
}

// handleListPermissions returns every provisioned permission code.
func (s *server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.store.ListPermissions(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, perms)
}
