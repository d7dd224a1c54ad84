package oplog

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Matching flattens each entry into leaves: kind keywords and scalar values
// with their dotted field paths. Record fields contribute their name,
// variants their case name, lists their positional index. Leaf comparison
// is case-insensitive; field scoping compares the full dotted path.

type leaf struct {
	path  []string
	value string
}

// Matches evaluates a query against an entry. Payloads must be resolved
// (inline) before matching; offloaded payloads are fetched by Search.
func Matches(entry Entry, query Query) bool {
	return matchesAt(entry, query, nil)
}

func matchesAt(entry Entry, query Query, fieldPath []string) bool {
	switch q := query.(type) {
	case OrQuery:
		for _, sub := range q.Queries {
			if matchesAt(entry, sub, fieldPath) {
				return true
			}
		}
		return false
	case AndQuery:
		for _, sub := range q.Queries {
			if !matchesAt(entry, sub, fieldPath) {
				return false
			}
		}
		return true
	case NotQuery:
		return !matchesAt(entry, q.Query, fieldPath)
	case FieldQuery:
		extended := append(append([]string{}, fieldPath...), strings.Split(q.Field, ".")...)
		return matchesAt(entry, q.Query, extended)
	default:
		for _, l := range entryLeaves(entry) {
			if matchLeaf(l, query, fieldPath) {
				return true
			}
		}
		return false
	}
}

func matchLeaf(l leaf, query Query, fieldPath []string) bool {
	if len(fieldPath) > 0 && !pathEqual(l.path, fieldPath) {
		return false
	}
	switch q := query.(type) {
	case TermQuery:
		return strings.Contains(strings.ToLower(l.value), strings.ToLower(q.Value))
	case PhraseQuery:
		return strings.Contains(strings.ToLower(l.value), strings.ToLower(q.Value))
	case RegexQuery:
		return q.Pattern.MatchString(l.value)
	default:
		return false
	}
}

func pathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// kindKeywords returns the pathless keywords matching an entry kind: the
// kebab-case kind name and its concatenated form, plus historical aliases.
func kindKeywords(kind Kind) []string {
	kebab := string(kind)
	keywords := []string{kebab, strings.ReplaceAll(kebab, "-", "")}
	switch kind {
	case KindHostCall:
		keywords = append(keywords, "imported-function")
	case KindExportedFunctionInvoked, KindExportedFunctionCompleted:
		keywords = append(keywords, "exported-function")
	}
	return keywords
}

// entryLeaves flattens an entry into matchable leaves.
func entryLeaves(entry Entry) []leaf {
	var leaves []leaf
	for _, kw := range kindKeywords(entry.EntryKind()) {
		leaves = append(leaves, leaf{value: kw})
	}

	add := func(path []string, value string) {
		leaves = append(leaves, leaf{path: path, value: value})
	}

	switch e := entry.(type) {
	case *CreateEntry:
		add(nil, e.WorkerID.String())
		add([]string{"worker-name"}, e.WorkerID.WorkerName)
		add([]string{"component-revision"}, strconv.FormatUint(e.ComponentRevision, 10))
	case *HostCallEntry:
		add(nil, e.FunctionName)
		leaves = append(leaves, payloadLeaves(e.Request, nil)...)
		leaves = append(leaves, payloadLeaves(e.Response, nil)...)
		if e.Error != "" {
			add([]string{"error"}, e.Error)
		}
	case *ExportedFunctionInvokedEntry:
		add(nil, e.FunctionName)
		add(nil, e.IdempotencyKey.Value)
		leaves = append(leaves, payloadLeaves(e.Args, nil)...)
	case *ExportedFunctionCompletedEntry:
		leaves = append(leaves, payloadLeaves(e.Response, nil)...)
	case *PendingWorkerInvocationEntry:
		add(nil, e.FunctionName)
		add(nil, e.IdempotencyKey.Value)
	case *CancelPendingInvocationEntry:
		add(nil, e.IdempotencyKey.Value)
	case *JumpEntry:
		add([]string{"start"}, strconv.FormatUint(uint64(e.Start), 10))
		add([]string{"end"}, strconv.FormatUint(uint64(e.End), 10))
	case *LogEntry:
		add([]string{"level"}, e.Level)
		add([]string{"context"}, e.Context)
		add([]string{"message"}, e.Message)
		add(nil, e.Message)
	case *ErrorEntry:
		add(nil, e.Message)
		add([]string{"attempt"}, strconv.FormatUint(uint64(e.Attempt), 10))
	case *StartSpanEntry:
		add(nil, e.Name)
		add([]string{"span-id"}, e.SpanID)
		for k, v := range e.Attributes {
			add([]string{k}, v)
		}
	case *FinishSpanEntry:
		add([]string{"span-id"}, e.SpanID)
	case *SetSpanAttributeEntry:
		add([]string{"span-id"}, e.SpanID)
		add([]string{e.Key}, e.Value)
	case *PendingUpdateEntry:
		add([]string{"target-revision"}, strconv.FormatUint(e.TargetRevision, 10))
		add([]string{"mode"}, string(e.Mode))
	case *SuccessfulUpdateEntry:
		add([]string{"target-revision"}, strconv.FormatUint(e.TargetRevision, 10))
	case *FailedUpdateEntry:
		add([]string{"target-revision"}, strconv.FormatUint(e.TargetRevision, 10))
		add([]string{"details"}, e.Details)
	case *ChangeRetryPolicyEntry:
		add([]string{"max-attempts"}, strconv.FormatUint(uint64(e.Policy.MaxAttempts), 10))
	case *ChangePersistenceLevelEntry:
		add([]string{"level"}, string(e.Level))
	case *GrowMemoryEntry:
		add([]string{"delta"}, strconv.FormatUint(e.Delta, 10))
	case *CreateResourceEntry:
		add([]string{"resource-id"}, strconv.FormatUint(e.ResourceID, 10))
	case *DropResourceEntry:
		add([]string{"resource-id"}, strconv.FormatUint(e.ResourceID, 10))
	case *ActivatePluginEntry:
		add(nil, e.PluginID)
	case *DeactivatePluginEntry:
		add(nil, e.PluginID)
	case *BeginRemoteTransactionEntry:
		add([]string{"transaction-id"}, e.TransactionID)
	case *PreCommitEntry:
		add([]string{"transaction-id"}, e.TransactionID)
	case *PreRollbackEntry:
		add([]string{"transaction-id"}, e.TransactionID)
	case *CommittedEntry:
		add([]string{"transaction-id"}, e.TransactionID)
	case *RolledBackEntry:
		add([]string{"transaction-id"}, e.TransactionID)
	case *EndAtomicRegionEntry:
		add([]string{"begin-index"}, strconv.FormatUint(uint64(e.BeginIndex), 10))
	case *EndRemoteWriteEntry:
		add([]string{"begin-index"}, strconv.FormatUint(uint64(e.BeginIndex), 10))
	case *SuspendEntry:
		if e.Promise != nil {
			add([]string{"promise"}, e.Promise.String())
		}
	}
	return leaves
}

// payloadLeaves flattens an inline JSON payload into leaves. Object keys
// extend the path, array elements contribute their index, scalars become
// leaf values. Non-JSON payloads match as a single opaque string.
func payloadLeaves(p Payload, path []string) []leaf {
	if p.Ref != nil || len(p.Inline) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(p.Inline, &value); err != nil {
		return []leaf{{path: path, value: string(p.Inline)}}
	}
	return flattenValue(value, path)
}

func flattenValue(value any, path []string) []leaf {
	switch v := value.(type) {
	case map[string]any:
		var leaves []leaf
		for key, sub := range v {
			leaves = append(leaves, flattenValue(sub, append(append([]string{}, path...), key))...)
		}
		return leaves
	case []any:
		var leaves []leaf
		for i, sub := range v {
			leaves = append(leaves, flattenValue(sub, append(append([]string{}, path...), strconv.Itoa(i)))...)
		}
		return leaves
	case string:
		return []leaf{{path: path, value: v}}
	case float64:
		return []leaf{{path: path, value: strconv.FormatFloat(v, 'f', -1, 64)}}
	case bool:
		return []leaf{{path: path, value: strconv.FormatBool(v)}}
	case nil:
		return []leaf{{path: path, value: "null"}}
	default:
		return nil
	}
}
