package element

import (
	"reflect"
	"strings"
	"time"

	"github.com/awcullen/opcua/ua"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

// Kind classifies composite values.
type Kind int

const (
	KindScalar Kind = iota
	KindStructure
	KindOptStruct
	KindUnion
	KindLocalizedText
	KindQualifiedName
)

func (k Kind) String() string {
	switch k {
	case KindStructure:
		return "structure"
	case KindOptStruct:
		return "structure with optional fields"
	case KindUnion:
		return "union"
	case KindLocalizedText:
		return "localized text"
	case KindQualifiedName:
		return "qualified name"
	}
	return "scalar"
}

// switchField is the discriminant member of union types. Its value is the
// 1-based index of the selected member, 0 means none.
const switchField = "SwitchField"

var (
	ErrNotComposite = errors.New("value is not a structured type")

	timeType          = reflect.TypeOf(time.Time{})
	localizedTextType = reflect.TypeOf(ua.LocalizedText{})
	qualifiedNameType = reflect.TypeOf(ua.QualifiedName{})
)

// FieldDesc describes one member of a composite type.
type FieldDesc struct {
	Name     string
	Index    int
	Type     reflect.Type
	Optional bool
	Array    bool
}

// IsDateTime reports whether the member can serve as the data timestamp.
func (f FieldDesc) IsDateTime() bool {
	t := f.Type
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t == timeType
}

// TypeDesc is the member map of a composite type.
type TypeDesc struct {
	Type        reflect.Type
	Kind        Kind
	Fields      []FieldDesc
	switchIndex int
}

// Lookup finds a member by name, case-insensitively.
func (d *TypeDesc) Lookup(name string) (int, bool) {
	for i, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// Describe builds the member map of t.
//
// Struct fields may be renamed and marked optional with an `opcua:"name,optional"`
// tag. Pointer fields are optional, slice fields are arrays.
// A struct whose first field is a uint32 named SwitchField is a union.
func Describe(t reflect.Type) (*TypeDesc, error) {
	if t == nil {
		return nil, ErrNotComposite
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t == timeType {
		return nil, errors.Wrap(ErrNotComposite, t.String())
	}

	desc := &TypeDesc{Type: t, Kind: KindStructure, switchIndex: -1}
	switch t {
	case localizedTextType:
		desc.Kind = KindLocalizedText
	case qualifiedNameType:
		desc.Kind = KindQualifiedName
	}

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if i == 0 && sf.Name == switchField && sf.Type.Kind() == reflect.Uint32 {
			desc.Kind = KindUnion
			desc.switchIndex = i
			continue
		}
		fd := FieldDesc{
			Name:  sf.Name,
			Index: i,
			Type:  sf.Type,
		}
		if tag, ok := sf.Tag.Lookup("opcua"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				fd.Name = parts[0]
			}
			for _, p := range parts[1:] {
				if p == "optional" {
					fd.Optional = true
				}
			}
		}
		switch sf.Type.Kind() {
		case reflect.Pointer:
			fd.Optional = true
		case reflect.Slice, reflect.Array:
			fd.Array = true
		}
		desc.Fields = append(desc.Fields, fd)
	}

	if desc.Kind == KindStructure {
		for _, f := range desc.Fields {
			if f.Optional {
				desc.Kind = KindOptStruct
				break
			}
		}
	}
	return desc, nil
}

// Discriminant returns the union selector of v (0 when v is not a union).
func (d *TypeDesc) Discriminant(v reflect.Value) int {
	if d.Kind != KindUnion {
		return 0
	}
	return int(v.Field(d.switchIndex).Uint())
}

func (d *TypeDesc) setDiscriminant(v reflect.Value, member int) {
	if d.Kind != KindUnion {
		return
	}
	v.Field(d.switchIndex).SetUint(uint64(member))
}

// Dictionary caches type descriptions per session. The session flushes it on
// connection loss.
type Dictionary struct {
	cache *ttlcache.Cache[reflect.Type, *TypeDesc]
}

func NewDictionary() *Dictionary {
	return &Dictionary{
		cache: ttlcache.New[reflect.Type, *TypeDesc](
			ttlcache.WithTTL[reflect.Type, *TypeDesc](ttlcache.NoTTL),
		),
	}
}

// Get returns the cached description of t, building it on first use.
func (d *Dictionary) Get(t reflect.Type) (*TypeDesc, error) {
	if item := d.cache.Get(t); item != nil {
		return item.Value(), nil
	}
	desc, err := Describe(t)
	if err != nil {
		return nil, err
	}
	d.cache.Set(t, desc, ttlcache.DefaultTTL)
	return desc, nil
}

func (d *Dictionary) Clear() {
	d.cache.DeleteAll()
}

func (d *Dictionary) Len() int {
	return d.cache.Len()
}
