package persist

import (
	"fmt"
	"time"
)

// ShardingEntity is the capability a type must carry to participate in
// partitioned storage: an id and a creation instant. The creation instant
// is the partition key for time-based strategies.
type ShardingEntity interface {
	GetID() string
	GetCreatedAt() time.Time
}

// EntityBase carries the ShardingEntity boilerplate for embedding.
type EntityBase struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewEntityBase creates a base stamped with the current time.
func NewEntityBase(id string) EntityBase {
	return EntityBase{ID: id, CreatedAt: time.Now()}
}

func (e *EntityBase) GetID() string {
	return e.ID
}

func (e *EntityBase) GetCreatedAt() time.Time {
	return e.CreatedAt
}

// Relation describes how a child field relates to its parent.
type Relation int

const (
	OneToOne Relation = iota
	OneToMany
)

// FieldSpec is the compile-time metadata for one persisted field of a
// root (or of a child entity, for nested graphs). The metadata is
// registered once at startup; the save/load path never inspects type
// shape at runtime.
//
// Accessors work on the owning entity. One-to-one fields use Get/Set,
// one-to-many fields use GetAll/SetAll; the closures perform the concrete
// type conversions so the walker only ever sees the ShardingEntity
// capability.
type FieldSpec struct {
	// Name identifies the field in diagnostics.
	Name string

	// Table is the base table name for the field's rows. Partition
	// suffixes are applied by the store.
	Table string

	Relation Relation

	// Singleton marks the field as a logically shared instance within
	// the root's graph, persisted once per machine under Key and
	// referenced from multiple parents.
	Singleton bool

	// Key is the singleton key. Required when Singleton is set.
	Key string

	// Cascade controls whether saves descend into this field. Fields
	// with Cascade false are still reattached on load.
	Cascade bool

	// Lazy fields are skipped by LoadGraph and loaded on demand via
	// LoadField.
	Lazy bool

	// Get extracts a one-to-one field value from the owning entity. A
	// nil result skips the field.
	Get func(owner interface{}) ShardingEntity

	// Set installs a loaded one-to-one value on the owning entity.
	Set func(owner interface{}, value ShardingEntity)

	// GetAll extracts a one-to-many field's elements.
	GetAll func(owner interface{}) []ShardingEntity

	// SetAll installs loaded one-to-many elements.
	SetAll func(owner interface{}, values []ShardingEntity)

	// New builds a zero entity of the field's element type, ready to be
	// decoded into.
	New func() ShardingEntity

	// Fields are the nested persisted fields of the child entity, if
	// any. Nested rows reference the root machine id, never the parent
	// row id.
	Fields []FieldSpec
}

// TransientSpec names an unannotated field that is recreated fresh on
// every load. Transient fields are never written.
type TransientSpec struct {
	Name  string
	Fresh func() interface{}
	Set   func(owner interface{}, value interface{})
}

// RootSpec is the graph metadata for one root context type.
type RootSpec struct {
	// Name identifies the root type (usually the machine type name).
	Name string

	Fields     []FieldSpec
	Transients []TransientSpec
}

// Validate checks the spec for configuration errors. Called once at
// startup when the spec is registered.
func (rs *RootSpec) Validate() error {
	if rs.Name == "" {
		return fmt.Errorf("root spec name is required")
	}
	return validateFields(rs.Name, rs.Fields)
}

func validateFields(path string, fields []FieldSpec) error {
	for i := range fields {
		f := &fields[i]
		where := path + "." + f.Name
		if f.Name == "" {
			return fmt.Errorf("%s: field name is required", path)
		}
		if f.Table == "" {
			return fmt.Errorf("%s: table name is required", where)
		}
		switch f.Relation {
		case OneToOne:
			if f.Get == nil || f.Set == nil {
				return fmt.Errorf("%s: one-to-one fields require Get and Set", where)
			}
		case OneToMany:
			if f.GetAll == nil || f.SetAll == nil {
				return fmt.Errorf("%s: one-to-many fields require GetAll and SetAll", where)
			}
		default:
			return fmt.Errorf("%s: unknown relation %d", where, f.Relation)
		}
		if f.New == nil {
			return fmt.Errorf("%s: element factory is required", where)
		}
		if f.Singleton {
			if f.Key == "" {
				return fmt.Errorf("%s: singleton fields require a key", where)
			}
			if f.Relation != OneToOne {
				return fmt.Errorf("%s: singleton fields must be one-to-one", where)
			}
		}
		if err := validateFields(where, f.Fields); err != nil {
			return err
		}
	}
	return nil
}
