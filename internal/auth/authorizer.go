package auth

// Decision is the outcome of an authorisation guard. Reason is nil when
// Allow is true.
type Decision struct {
	Allow  bool
	Reason error
}

// Err returns nil for an allow decision and the denial reason otherwise.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return d.Reason
}

func allow() Decision {
	return Decision{Allow: true}
}

func deny(reason error) Decision {
	return Decision{Reason: reason}
}

// RequireRole allows identities holding one of the allowed roles.
func RequireRole(identity *Identity, allowed ...Role) Decision {
	if identity == nil {
		return deny(ErrNoCredential)
	}
	for _, r := range allowed {
		if identity.Role == r {
			return allow()
		}
	}
	return deny(ErrInsufficientRole)
}

// RequireOwnerOrAdmin allows the owner of a resource and any admin.
func RequireOwnerOrAdmin(identity *Identity, ownerID string) Decision {
	if identity == nil {
		return deny(ErrNoCredential)
	}
	if identity.IsAdmin() {
		return allow()
	}
	if ownerID != "" && identity.ID == ownerID {
		return allow()
	}
	return deny(ErrAccessDenied)
}
