package domain

// Reserved owner IDs for credentials registered before any user has
// authenticated. They are never real principals: the only operation allowed
// against them is the claim reassignment.
const (
	PendingOwnerID int64 = 1
	SystemOwnerID  int64 = 2
)

// OwnerKind tags the Owner union.
type OwnerKind int

const (
	OwnerRealUser OwnerKind = iota
	OwnerPending
	OwnerSystem
)

// Owner is the tagged ownership type for credentials: either a real user or
// one of the two reserved placeholders.
type Owner struct {
	Kind   OwnerKind
	UserID int64
}

// RealUser builds an Owner for an authenticated user id.
func RealUser(id int64) Owner { return Owner{Kind: OwnerRealUser, UserID: id} }

// Pending is the placeholder owner for pre-login registrations.
func Pending() Owner { return Owner{Kind: OwnerPending} }

// System is the placeholder owner for operator-provisioned credentials.
func System() Owner { return Owner{Kind: OwnerSystem} }

// Placeholder reports whether the owner is one of the reserved identities.
func (o Owner) Placeholder() bool { return o.Kind != OwnerRealUser }

// StorageID returns the id persisted in the owner column.
func (o Owner) StorageID() int64 {
	switch o.Kind {
	case OwnerPending:
		return PendingOwnerID
	case OwnerSystem:
		return SystemOwnerID
	default:
		return o.UserID
	}
}

// OwnerFromStorage maps a persisted owner id back onto the tagged type.
func OwnerFromStorage(id int64) Owner {
	switch id {
	case PendingOwnerID:
		return Pending()
	case SystemOwnerID:
		return System()
	default:
		return RealUser(id)
	}
}
