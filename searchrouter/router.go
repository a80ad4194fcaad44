// Package searchrouter dispatches search requests to one of two remote
// Graph API dialects depending on account class: personal accounts get
// per-kind client-side-filtered endpoints, work/school (and unknown)
// accounts get the unified /search/query endpoint.
package searchrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"m365cache/pkg/models"
)

// Validation bounds, per spec.md §4.G.
const (
	MinQueryLen  = 1
	MaxQueryLen  = 512
	MinLimit     = 1
	MaxLimit     = 500
	DefaultLimit = 25

	// clientSideFetchMultiplier/Floor govern how many items personal
	// accounts fetch before filtering client-side, per
	// search_router.py's _search_emails_odata/_search_events_odata.
	clientSideFetchMultiplier = 5
	clientSideFetchFloor      = 50
)

var (
	ErrMissingAccountID  = errors.New("searchrouter: accountID is required")
	ErrInvalidQuery      = fmt.Errorf("searchrouter: query must be %d..%d characters", MinQueryLen, MaxQueryLen)
	ErrInvalidLimit      = fmt.Errorf("searchrouter: limit must be between %d and %d", MinLimit, MaxLimit)
	ErrInvalidEntityType = errors.New("searchrouter: entityTypes must be a non-empty subset of message, event, driveItem")
)

// Entity type names accepted by UnifiedSearch, matching spec.md §4.G.
const (
	EntityMessage   = "message"
	EntityEvent     = "event"
	EntityDriveItem = "driveItem"
)

var validEntityTypes = map[string]bool{
	EntityMessage:   true,
	EntityEvent:     true,
	EntityDriveItem: true,
}

// Item is a single search result: a loosely-typed Graph resource. The
// router does not interpret its shape beyond the fields it needs for
// client-side filtering.
type Item = map[string]interface{}

// GraphClient is the router's sole external collaborator: a thin
// transport for authenticated Microsoft Graph calls, per spec.md §1.
type GraphClient interface {
	Request(ctx context.Context, method, path, accountID string, params map[string]string, body interface{}) (json.RawMessage, error)
}

// Router is the Search Router component. The zero value is not usable;
// construct with New.
type Router struct {
	client GraphClient
	logger zerolog.Logger
}

// New constructs a Router over an injected GraphClient.
func New(client GraphClient, logger zerolog.Logger) *Router {
	return &Router{client: client, logger: logger}
}

func validateSearch(accountID, query string, limit int) (int, error) {
	if accountID == "" {
		return 0, ErrMissingAccountID
	}
	if len(query) < MinQueryLen || len(query) > MaxQueryLen {
		return 0, ErrInvalidQuery
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit < MinLimit || limit > MaxLimit {
		return 0, ErrInvalidLimit
	}
	return limit, nil
}

func validateEntityTypes(entityTypes []string) error {
	if len(entityTypes) == 0 {
		return ErrInvalidEntityType
	}
	for _, et := range entityTypes {
		if !validEntityTypes[et] {
			return ErrInvalidEntityType
		}
	}
	return nil
}

// SearchEmails routes an email search per the account's dialect.
func (r *Router) SearchEmails(ctx context.Context, accountID string, class models.AccountClass, query string, limit int) ([]Item, error) {
	limit, err := validateSearch(accountID, query, limit)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("account_id", accountID).Str("class", string(class)).Str("query", query).Msg("searchrouter: routing email search")

	if class == models.AccountPersonal {
		return r.searchEmailsClientSide(ctx, accountID, query, limit)
	}
	return r.searchUnifiedSingleKind(ctx, accountID, query, limit, EntityMessage)
}

func (r *Router) searchEmailsClientSide(ctx context.Context, accountID, query string, limit int) ([]Item, error) {
	fetchLimit := clientSideFetchLimit(limit)
	params := map[string]string{
		"$top":     fmt.Sprintf("%d", fetchLimit),
		"$select":  "id,subject,from,receivedDateTime,hasAttachments,bodyPreview",
		"$orderby": "receivedDateTime desc",
	}
	raw, err := r.client.Request(ctx, "GET", "/me/messages", accountID, params, nil)
	if err != nil {
		return nil, fmt.Errorf("searchrouter: email search request: %w", err)
	}
	candidates, err := decodeValueList(raw)
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	matches := make([]Item, 0, limit)
	for _, message := range candidates {
		subject := strings.ToLower(stringField(message, "subject"))
		bodyPreview := strings.ToLower(stringField(message, "bodyPreview"))
		fromName, fromAddress := emailAddressFields(message, "from")

		if strings.Contains(subject, queryLower) ||
			strings.Contains(bodyPreview, queryLower) ||
			strings.Contains(strings.ToLower(fromName), queryLower) ||
			strings.Contains(strings.ToLower(fromAddress), queryLower) {
			matches = append(matches, message)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

// SearchFiles routes a file search per the account's dialect.
func (r *Router) SearchFiles(ctx context.Context, accountID string, class models.AccountClass, query string, limit int) ([]Item, error) {
	limit, err := validateSearch(accountID, query, limit)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("account_id", accountID).Str("class", string(class)).Str("query", query).Msg("searchrouter: routing file search")

	if class == models.AccountPersonal {
		return r.searchFilesDrive(ctx, accountID, query, limit)
	}
	return r.searchUnifiedSingleKind(ctx, accountID, query, limit, EntityDriveItem)
}

func (r *Router) searchFilesDrive(ctx context.Context, accountID, query string, limit int) ([]Item, error) {
	path := fmt.Sprintf("/me/drive/root/search(q='%s')", url.QueryEscape(query))
	params := map[string]string{"$top": fmt.Sprintf("%d", limit)}
	raw, err := r.client.Request(ctx, "GET", path, accountID, params, nil)
	if err != nil {
		return nil, fmt.Errorf("searchrouter: file search request: %w", err)
	}
	return decodeValueList(raw)
}

// SearchEvents routes a calendar event search per the account's dialect.
func (r *Router) SearchEvents(ctx context.Context, accountID string, class models.AccountClass, query string, limit int) ([]Item, error) {
	limit, err := validateSearch(accountID, query, limit)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("account_id", accountID).Str("class", string(class)).Str("query", query).Msg("searchrouter: routing event search")

	if class == models.AccountPersonal {
		return r.searchEventsClientSide(ctx, accountID, query, limit)
	}
	return r.searchUnifiedSingleKind(ctx, accountID, query, limit, EntityEvent)
}

func (r *Router) searchEventsClientSide(ctx context.Context, accountID, query string, limit int) ([]Item, error) {
	fetchLimit := clientSideFetchLimit(limit)
	params := map[string]string{
		"$top":     fmt.Sprintf("%d", fetchLimit),
		"$select":  "id,subject,start,end,location,attendees,organizer",
		"$orderby": "start/dateTime desc",
	}
	raw, err := r.client.Request(ctx, "GET", "/me/events", accountID, params, nil)
	if err != nil {
		return nil, fmt.Errorf("searchrouter: event search request: %w", err)
	}
	candidates, err := decodeValueList(raw)
	if err != nil {
		return nil, err
	}

	queryLower := strings.ToLower(query)
	matches := make([]Item, 0, limit)
	for _, event := range candidates {
		subject := strings.ToLower(stringField(event, "subject"))
		locationName := strings.ToLower(nestedStringField(event, "location", "displayName"))
		organizerName, organizerEmail := emailAddressFields(event, "organizer")

		if strings.Contains(subject, queryLower) ||
			strings.Contains(locationName, queryLower) ||
			strings.Contains(strings.ToLower(organizerName), queryLower) ||
			strings.Contains(strings.ToLower(organizerEmail), queryLower) {
			matches = append(matches, event)
			if len(matches) >= limit {
				break
			}
		}
	}
	return matches, nil
}

// SearchContacts always uses prefix-filter search, regardless of account
// class (the unified search API has limited contact support).
func (r *Router) SearchContacts(ctx context.Context, accountID string, class models.AccountClass, query string, limit int) ([]Item, error) {
	limit, err := validateSearch(accountID, query, limit)
	if err != nil {
		return nil, err
	}
	r.logger.Info().Str("account_id", accountID).Str("class", string(class)).Str("query", query).Msg("searchrouter: routing contact search")
	return r.searchContactsFilter(ctx, accountID, query, limit)
}

func (r *Router) searchContactsFilter(ctx context.Context, accountID, query string, limit int) ([]Item, error) {
	filter := strings.Join([]string{
		fmt.Sprintf("startswith(displayName,'%s')", query),
		fmt.Sprintf("startswith(givenName,'%s')", query),
		fmt.Sprintf("startswith(surname,'%s')", query),
	}, " or ")

	params := map[string]string{
		"$filter": filter,
		"$top":    fmt.Sprintf("%d", limit),
		"$select": "id,displayName,emailAddresses,givenName,surname,companyName",
	}
	raw, err := r.client.Request(ctx, "GET", "/me/contacts", accountID, params, nil)
	if err != nil {
		return nil, fmt.Errorf("searchrouter: contact search request: %w", err)
	}
	return decodeValueList(raw)
}

// UnifiedSearch routes a multi-entity-type search per the account's
// dialect: one batched /search/query request for workSchool/unknown, a
// sequential fan-out across the per-kind personal paths otherwise.
func (r *Router) UnifiedSearch(ctx context.Context, accountID string, class models.AccountClass, query string, entityTypes []string, limit int) (map[string][]Item, error) {
	limit, err := validateSearch(accountID, query, limit)
	if err != nil {
		return nil, err
	}
	if err := validateEntityTypes(entityTypes); err != nil {
		return nil, err
	}
	r.logger.Info().Str("account_id", accountID).Str("class", string(class)).Strs("entity_types", entityTypes).Msg("searchrouter: routing unified search")

	if class == models.AccountPersonal {
		return r.unifiedSearchFallback(ctx, accountID, query, entityTypes, limit)
	}
	return r.unifiedSearchAPI(ctx, accountID, query, entityTypes, limit)
}

func (r *Router) unifiedSearchFallback(ctx context.Context, accountID, query string, entityTypes []string, limit int) (map[string][]Item, error) {
	results := make(map[string][]Item, len(entityTypes))
	for _, entityType := range entityTypes {
		var items []Item
		var err error
		switch entityType {
		case EntityMessage:
			items, err = r.searchEmailsClientSide(ctx, accountID, query, limit)
		case EntityDriveItem:
			items, err = r.searchFilesDrive(ctx, accountID, query, limit)
		case EntityEvent:
			items, err = r.searchEventsClientSide(ctx, accountID, query, limit)
		}
		if err != nil {
			r.logger.Error().Err(err).Str("entity_type", entityType).Msg("searchrouter: fallback search failed")
			results[entityType] = nil
			continue
		}
		results[entityType] = items
	}
	return results, nil
}

// unifiedSearchRequest is one entry of the /search/query batch payload.
type unifiedSearchRequest struct {
	EntityTypes []string               `json:"entityTypes"`
	Query       unifiedSearchQueryBody `json:"query"`
	From        int                    `json:"from"`
	Size        int                    `json:"size"`
	Fields      []string               `json:"fields,omitempty"`
}

type unifiedSearchQueryBody struct {
	QueryString string `json:"queryString"`
}

type unifiedSearchPayload struct {
	Requests []unifiedSearchRequest `json:"requests"`
}

var fieldsByEntityType = map[string][]string{
	EntityMessage:   {"subject", "from", "receivedDateTime", "hasAttachments", "bodyPreview"},
	EntityDriveItem: {"name", "webUrl", "lastModifiedDateTime", "size", "file", "folder"},
	EntityEvent:     {"subject", "start", "end", "location", "attendees", "organizer"},
}

func (r *Router) unifiedSearchAPI(ctx context.Context, accountID, query string, entityTypes []string, limit int) (map[string][]Item, error) {
	payload := unifiedSearchPayload{Requests: make([]unifiedSearchRequest, 0, len(entityTypes))}
	for _, et := range entityTypes {
		payload.Requests = append(payload.Requests, unifiedSearchRequest{
			EntityTypes: []string{et},
			Query:       unifiedSearchQueryBody{QueryString: query},
			From:        0,
			Size:        limit,
			Fields:      fieldsByEntityType[et],
		})
	}

	raw, err := r.client.Request(ctx, "POST", "/search/query", accountID, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("searchrouter: unified search request: %w", err)
	}

	results := make(map[string][]Item, len(entityTypes))
	for _, et := range entityTypes {
		results[et] = nil
	}

	hits, err := decodeSearchHits(raw)
	if err != nil {
		return nil, err
	}
	for _, resource := range hits {
		odataType, _ := resource["@odata.type"].(string)
		switch {
		case strings.Contains(odataType, "message"):
			results[EntityMessage] = append(results[EntityMessage], resource)
		case strings.Contains(odataType, "driveItem"):
			results[EntityDriveItem] = append(results[EntityDriveItem], resource)
		case strings.Contains(odataType, "event"):
			results[EntityEvent] = append(results[EntityEvent], resource)
		}
	}
	return results, nil
}

// searchUnifiedSingleKind performs a single-entity-type unified search
// for the *Emails/*Files/*Events convenience methods.
func (r *Router) searchUnifiedSingleKind(ctx context.Context, accountID, query string, limit int, entityType string) ([]Item, error) {
	payload := unifiedSearchPayload{Requests: []unifiedSearchRequest{{
		EntityTypes: []string{entityType},
		Query:       unifiedSearchQueryBody{QueryString: query},
		From:        0,
		Size:        limit,
		Fields:      fieldsByEntityType[entityType],
	}}}

	raw, err := r.client.Request(ctx, "POST", "/search/query", accountID, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("searchrouter: unified search request: %w", err)
	}
	hits, err := decodeSearchHits(raw)
	if err != nil {
		return nil, err
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func clientSideFetchLimit(limit int) int {
	fetch := limit * clientSideFetchMultiplier
	if fetch < clientSideFetchFloor {
		return clientSideFetchFloor
	}
	return fetch
}

// unifiedSearchResponse models the /search/query response shape:
// {"value": [{"hitsContainers": [{"hits": [{"resource": {...}}]}]}]}.
type unifiedSearchResponse struct {
	Value []struct {
		HitsContainers []struct {
			Hits []struct {
				Resource Item `json:"resource"`
			} `json:"hits"`
		} `json:"hitsContainers"`
	} `json:"value"`
}

func decodeSearchHits(raw json.RawMessage) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var resp unifiedSearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("searchrouter: decode unified search response: %w", err)
	}
	var hits []Item
	for _, response := range resp.Value {
		for _, container := range response.HitsContainers {
			for _, hit := range container.Hits {
				if len(hit.Resource) > 0 {
					hits = append(hits, hit.Resource)
				}
			}
		}
	}
	return hits, nil
}

type valueListResponse struct {
	Value []Item `json:"value"`
}

func decodeValueList(raw json.RawMessage) ([]Item, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var resp valueListResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("searchrouter: decode value list response: %w", err)
	}
	return resp.Value, nil
}

func stringField(item Item, key string) string {
	if v, ok := item[key].(string); ok {
		return v
	}
	return ""
}

func nestedStringField(item Item, outerKey, innerKey string) string {
	outer, ok := item[outerKey].(map[string]interface{})
	if !ok {
		return ""
	}
	if v, ok := outer[innerKey].(string); ok {
		return v
	}
	return ""
}

// emailAddressFields extracts {name, address} from a Graph
// recipient/organizer field shaped as {"emailAddress": {"name":...,
// "address":...}}.
func emailAddressFields(item Item, key string) (name, address string) {
	outer, ok := item[key].(map[string]interface{})
	if !ok {
		return "", ""
	}
	emailAddress, ok := outer["emailAddress"].(map[string]interface{})
	if !ok {
		return "", ""
	}
	if v, ok := emailAddress["name"].(string); ok {
		name = v
	}
	if v, ok := emailAddress["address"].(string); ok {
		address = v
	}
	return name, address
}
