package cachecore

import "time"

// TTLPolicy gives the fresh and stale horizons for one resource type. An age
// within FreshSeconds is served as StateFresh; beyond that and up through
// StaleSeconds it is StateStale; beyond StaleSeconds the entry is deleted
// and reported as a miss (StateExpired is never returned to a caller).
type TTLPolicy struct {
	FreshSeconds int64
	StaleSeconds int64
}

// DefaultPolicy is used for any resource type absent from the policy table.
var DefaultPolicy = TTLPolicy{FreshSeconds: 300, StaleSeconds: 1800}

// policyTable maps each resource type this server's tool layer proxies to
// its TTL policy. Values follow original_source/src/m365_mcp/cache.py's
// resource-class groupings: hierarchical/listing data that changes slowly
// (folder trees, folder lists) gets a longer fresh horizon than item lists
// that change with every user action (email, calendar), and single-item
// gets keep a longer fresh horizon than the item lists they come from.
var policyTable = map[string]TTLPolicy{
	"folder_get_tree":       {FreshSeconds: 600, StaleSeconds: 3600},
	"folder_list":           {FreshSeconds: 300, StaleSeconds: 1800},
	"email_list":            {FreshSeconds: 120, StaleSeconds: 900},
	"email_get":             {FreshSeconds: 300, StaleSeconds: 1800},
	"file_list":             {FreshSeconds: 180, StaleSeconds: 1200},
	"file_get":              {FreshSeconds: 300, StaleSeconds: 1800},
	"contact_list":          {FreshSeconds: 300, StaleSeconds: 3600},
	"contact_get":           {FreshSeconds: 300, StaleSeconds: 3600},
	"calendar_list_events":  {FreshSeconds: 120, StaleSeconds: 900},
	"calendar_get_event":    {FreshSeconds: 300, StaleSeconds: 1800},
	"search_messages":       {FreshSeconds: 60, StaleSeconds: 300},
	"search_files":          {FreshSeconds: 60, StaleSeconds: 300},
	"search_events":         {FreshSeconds: 60, StaleSeconds: 300},
	"search_contacts":       {FreshSeconds: 60, StaleSeconds: 300},
	"search_unified":        {FreshSeconds: 60, StaleSeconds: 300},
}

// PolicyFor returns the TTL policy for resourceType, or DefaultPolicy if
// the type is unrecognized.
func PolicyFor(resourceType string) TTLPolicy {
	if p, ok := policyTable[resourceType]; ok {
		return p
	}
	return DefaultPolicy
}

func (p TTLPolicy) freshUntil(createdAt time.Time) time.Time {
	return createdAt.Add(time.Duration(p.FreshSeconds) * time.Second)
}

func (p TTLPolicy) expiresAt(createdAt time.Time) time.Time {
	return createdAt.Add(time.Duration(p.StaleSeconds) * time.Second)
}
