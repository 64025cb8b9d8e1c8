package record

// UserRecord is the payload of USER records.
type UserRecord struct {
	UserKey  int64  `json:"userKey"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

func (UserRecord) ValueType() ValueType { return ValueUser }

// GroupRecord is the payload of GROUP records. EntityKey names the user added
// to or removed from the group.
type GroupRecord struct {
	GroupKey  int64  `json:"groupKey"`
	GroupID   string `json:"groupId"`
	Name      string `json:"name,omitempty"`
	EntityKey int64  `json:"entityKey,omitempty"`
}

func (GroupRecord) ValueType() ValueType { return ValueGroup }
