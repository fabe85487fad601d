package core

import (
	"fmt"
	"time"
)

type deleteField struct{}

// Delete removes the addressed field when used as a value in Fields.
var Delete any = deleteField{}

// ServerTimestamp asks the store to stamp LastSeenAt or AcquiredAt with its
// own clock. It is the zero time, so leaving the field unset has the same effect.
var ServerTimestamp = time.Time{}

// IsDelete reports whether v is the Delete sentinel.
func IsDelete(v any) bool {
	_, ok := v.(deleteField)
	return ok
}

// Merge applies fields to rec as one atomic unit, stamping server timestamps
// with now. It advances Revision always and LastModifiedAt only when content
// fields are touched. On error rec is left unchanged.
func Merge(rec *Record, fields Fields, now time.Time) (WriteResult, error) {
	if err := validate(fields); err != nil {
		return WriteResult{}, err
	}
	if rec.ActiveEditors == nil {
		rec.ActiveEditors = make(map[string]Editor)
	}
	if rec.LockedFields == nil {
		rec.LockedFields = make(map[string]FieldLock)
	}
	if rec.Fields == nil {
		rec.Fields = make(Fields)
	}

	content := false
	for path, v := range fields {
		ns, key := SplitPath(path)
		switch {
		case ns == EditorsField && key != "":
			if IsDelete(v) {
				delete(rec.ActiveEditors, key)
				continue
			}
			e := v.(Editor)
			if e.LastSeenAt.IsZero() {
				e.LastSeenAt = now
			}
			rec.ActiveEditors[key] = e
		case ns == LocksField && key != "":
			if IsDelete(v) {
				delete(rec.LockedFields, key)
				continue
			}
			l := v.(FieldLock)
			if l.AcquiredAt.IsZero() {
				l.AcquiredAt = now
			}
			rec.LockedFields[key] = l
		default:
			content = true
			if IsDelete(v) {
				delete(rec.Fields, path)
				continue
			}
			rec.Fields[path] = v
		}
	}

	rec.Revision++
	if content {
		rec.LastModifiedAt = now
	}
	return WriteResult{
		Revision:       rec.Revision,
		LastModifiedAt: rec.LastModifiedAt,
		UpdateTime:     now,
		Content:        content,
	}, nil
}

func validate(fields Fields) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidField)
	}
	for path, v := range fields {
		if path == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidField)
		}
		ns, key := SplitPath(path)
		switch {
		case key != "" && ns == EditorsField:
			if _, ok := v.(Editor); !ok && !IsDelete(v) {
				return fmt.Errorf("%w: %s expects an Editor, got %T", ErrInvalidField, path, v)
			}
		case key != "" && ns == LocksField:
			if _, ok := v.(FieldLock); !ok && !IsDelete(v) {
				return fmt.Errorf("%w: %s expects a FieldLock, got %T", ErrInvalidField, path, v)
			}
		case path == EditorsField || path == LocksField:
			return fmt.Errorf("%w: %s must be addressed per entry", ErrInvalidField, path)
		case path == "lastModifiedAt" || path == "revision" || path == "id":
			return fmt.Errorf("%w: %s is assigned by the store", ErrInvalidField, path)
		}
	}
	return nil
}
