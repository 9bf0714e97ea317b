// Package diff computes field-level change lists between two snapshots of
// an entity. The audit service records the result alongside each logged
// operation so investigators can see exactly which fields moved.
package diff

import (
	"reflect"
	"sort"
)

// Change records one field whose value differs between the before and
// after snapshots. OldValue is nil for added fields, NewValue is nil for
// removed ones.
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}

// valueField is the synthetic field name used when a snapshot is a bare
// scalar rather than an object.
const valueField = "value"

// Compute compares two snapshots and returns one Change per field whose
// deep (structural) equality fails. If either snapshot is nil, the result
// is empty — there is nothing meaningful to diff against.
//
// Snapshots that are not objects are treated as a single synthetic
// "value" field. Output is sorted by field name for stable results.
func Compute(before, after any) []Change {
	if before == nil || after == nil {
		return nil
	}

	beforeMap, beforeOK := before.(map[string]any)
	afterMap, afterOK := after.(map[string]any)

	// Scalar (or mixed) comparison collapses to the synthetic field.
	if !beforeOK || !afterOK {
		if reflect.DeepEqual(before, after) {
			return nil
		}
		return []Change{{Field: valueField, OldValue: before, NewValue: after}}
	}

	// Union of both key sets.
	keys := make(map[string]struct{}, len(beforeMap)+len(afterMap))
	for k := range beforeMap {
		keys[k] = struct{}{}
	}
	for k := range afterMap {
		keys[k] = struct{}{}
	}

	var changes []Change
	for k := range keys {
		oldV, hadOld := beforeMap[k]
		newV, hasNew := afterMap[k]
		if hadOld && hasNew && reflect.DeepEqual(oldV, newV) {
			continue
		}
		changes = append(changes, Change{Field: k, OldValue: oldV, NewValue: newV})
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes
}
