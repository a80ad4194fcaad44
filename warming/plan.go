package warming

import "time"

// PlanItem is one entry in the static warming plan: an operation to
// pre-fill, its parameters, its priority relative to other plan items,
// and how long to pause after executing it.
type PlanItem struct {
	Operation       string
	Params          map[string]interface{}
	Priority        int
	ThrottleSeconds time.Duration
}

// DefaultPlan mirrors original_source/src/m365_mcp/cache_warming.py's
// CACHE_WARMING_OPERATIONS: the three operations spec.md §4.F names as
// the minimum the warming plan must cover, each with a concrete
// params/priority/throttle tuple.
func DefaultPlan() []PlanItem {
	return []PlanItem{
		{
			Operation:       "folder_get_tree",
			Params:          map[string]interface{}{"folder_id": "root", "max_depth": 10},
			Priority:        1,
			ThrottleSeconds: 500 * time.Millisecond,
		},
		{
			Operation:       "email_list",
			Params:          map[string]interface{}{"folder": "inbox", "limit": 50},
			Priority:        2,
			ThrottleSeconds: 500 * time.Millisecond,
		},
		{
			Operation:       "contact_list",
			Params:          map[string]interface{}{"limit": 100},
			Priority:        3,
			ThrottleSeconds: 500 * time.Millisecond,
		},
	}
}

// workItem is one (accountID, PlanItem) pairing in the Cartesian product
// the warmer builds and executes sequentially in priority order.
type workItem struct {
	accountID string
	item      PlanItem
}

// buildQueue takes the Cartesian product of accounts x plan and sorts it
// by priority ascending, matching
// CacheWarmer._build_warming_queue's account-major nesting and
// priority-ascending sort.
func buildQueue(accounts []string, plan []PlanItem) []workItem {
	queue := make([]workItem, 0, len(accounts)*len(plan))
	for _, acct := range accounts {
		for _, item := range plan {
			queue = append(queue, workItem{accountID: acct, item: item})
		}
	}
	for i := 1; i < len(queue); i++ {
		j := i
		for j > 0 && queue[j-1].item.Priority > queue[j].item.Priority {
			queue[j-1], queue[j] = queue[j], queue[j-1]
			j--
		}
	}
	return queue
}
