package collab

import "fmt"

// MergeDroppedError reports a batch whose steps were all dropped by
// concurrent edits. Nothing was committed; Result still carries the
// intervening steps the client must apply.
type MergeDroppedError struct {
	Result Result
}

func (e *MergeDroppedError) Error() string {
	return fmt.Sprintf("all %d submitted steps conflicted with concurrent edits", len(e.Result.Dropped))
}
