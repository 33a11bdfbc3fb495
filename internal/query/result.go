package query

// CallResult is one positional entry from a batched execution.
type CallResult struct {
	Ok    bool
	Value interface{}
	Err   error
}

// Update is delivered to a registered query's callback. Results holds one
// entry per call in the query, in key order. Failed with a nil Results
// means the whole dispatch failed at the transport level.
type Update struct {
	Loading bool
	Failed  bool
	Err     error
	Results []CallResult
}

// Defaults maps each key to its call's declared default value. Used before
// any result has arrived, and as the fallback of last resort on errors.
func Defaults(q *Query) map[string]interface{} {
	out := make(map[string]interface{}, q.Len())
	if q == nil {
		return out
	}
	for _, key := range q.keys {
		out[key] = q.calls[key].Default
	}
	return out
}

// MergeResult folds a positional update into the keyed value map. Per key,
// in descriptor order: the update's value when present, else the previous
// successfully-seen value, else the call's default. An update without a
// usable result array (still loading, transport failure, wrong shape)
// keeps every previously-resolved value; keys that never resolved fall
// back to their defaults. Last-known-good values survive transient errors,
// they are never reset merely because a refetch failed.
func MergeResult(q *Query, upd Update, previous map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, q.Len())
	if q == nil {
		return out
	}
	usable := !upd.Loading && len(upd.Results) == q.Len()
	for i, key := range q.keys {
		if usable && upd.Results[i].Ok {
			out[key] = upd.Results[i].Value
			continue
		}
		if prev, seen := previous[key]; seen {
			out[key] = prev
			continue
		}
		out[key] = q.calls[key].Default
	}
	return out
}
