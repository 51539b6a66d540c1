package domain

// Member is the presence record of one room participant.
// No transport or lifecycle logic here.
type Member struct {
	PeerID         PeerID `json:"peer_id"`
	DisplayName    string `json:"display_name"`
	AvatarRef      string `json:"avatar_ref,omitempty"`
	IsBroadcasting bool   `json:"is_broadcasting"`
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(id PeerID, displayName string) (*Member, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	m := &Member{PeerID: id}
	if err := m.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Member) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	m.DisplayName = name
	return nil
}

func (m *Member) SetAvatarRef(ref string) error {
	if len(ref) > MaxAvatarRefLen {
		return ErrAvatarRefTooLong
	}
	m.AvatarRef = ref
	return nil
}
