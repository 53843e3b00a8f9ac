// AngelaMos | 2026
// entity.go

package user

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

type User struct {
	ID               string     `db:"id"`
	Email            string     `db:"email"`
	PasswordHash     string     `db:"password_hash"`
	Role             string     `db:"role"`
	Metadata         Metadata   `db:"metadata"`
	EmailConfirmedAt *time.Time `db:"email_confirmed_at"`
	TokenVersion     int        `db:"token_version"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	DeletedAt        *time.Time `db:"deleted_at"`
}

func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

func (u *User) IsConfirmed() bool {
	return u.EmailConfirmedAt != nil
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// Metadata is free-form profile data (name, user type, country) stored as
// JSONB.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan metadata: unsupported type %T", src)
	}

	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan metadata: %w", err)
	}
	*m = out
	return nil
}

// MetadataPatch is a metadata update split into keys to write and keys
// to delete, so it can be applied in one statement.
type MetadataPatch struct {
	Set    Metadata
	Remove []string
}

// NewMetadataPatch treats nil values in raw as deletions.
func NewMetadataPatch(raw map[string]any) MetadataPatch {
	p := MetadataPatch{Set: Metadata{}, Remove: []string{}}
	for k, v := range raw {
		if v == nil {
			p.Remove = append(p.Remove, k)
			continue
		}
		p.Set[k] = v
	}
	slices.Sort(p.Remove)
	return p
}

func (p MetadataPatch) Empty() bool {
	return len(p.Set) == 0 && len(p.Remove) == 0
}

// Merge applies patch on top of m without mutating m. A nil value removes
// the key.
func (m Metadata) Merge(patch map[string]any) Metadata {
	return m.Apply(NewMetadataPatch(patch))
}

func (m Metadata) Apply(p MetadataPatch) Metadata {
	out := maps.Clone(m)
	if out == nil {
		out = Metadata{}
	}
	maps.Copy(out, p.Set)
	for _, k := range p.Remove {
		delete(out, k)
	}
	return out
}
