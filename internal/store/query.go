package store

import "reflect"

// DeepEqual reports whether two query results are identical, the
// comparison storesub uses to decide whether a re-evaluated subscription
// produced a new snapshot worth pushing (spec §4.7 step 2).
func DeepEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
