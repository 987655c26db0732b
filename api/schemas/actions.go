package schemas

import (
	"encoding/json"
	"fmt"
)

// ActionType is the closed set of operations a decision's action may name.
// The reasoning collaborator proposes one of these; anything outside the set
// is rejected during validation rather than carried as an opaque blob.
type ActionType string

const (
	ActionGenerateContent ActionType = "generate_content"
	ActionUpdateListing   ActionType = "update_listing"
	ActionPatchCode       ActionType = "patch_code"
	ActionUpdateMetadata  ActionType = "update_metadata"
	ActionTuneSEO         ActionType = "tune_seo"
)

// ValidActionType reports whether t is a member of the closed set.
func ValidActionType(t ActionType) bool {
	switch t {
	case ActionGenerateContent, ActionUpdateListing, ActionPatchCode,
		ActionUpdateMetadata, ActionTuneSEO:
		return true
	}
	return false
}

// Action pairs an ActionType with its payload. The payload is stored raw so
// persistence stays schema-stable; Decode resolves it into the tagged
// variant for the type so handlers get compiler-checked shapes.
type Action struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// GenerateContentPayload asks for a new marketing/SEO article.
type GenerateContentPayload struct {
	Topic        string   `json:"topic"`
	SearchVolume int      `json:"search_volume,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Outline      string   `json:"outline,omitempty"`
}

// UpdateListingPayload rewrites the marketing copy of a listing that draws
// views but no inquiries.
type UpdateListingPayload struct {
	ListingID    string `json:"listing_id"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	CallToAction string `json:"call_to_action,omitempty"`
}

// PatchCodePayload describes a code-level fix for the synthesis collaborator.
type PatchCodePayload struct {
	Description string   `json:"description"`
	TargetPaths []string `json:"target_paths,omitempty"`
	ErrorSample string   `json:"error_sample,omitempty"`
}

// UpdateMetadataPayload backfills missing structured data in bulk.
type UpdateMetadataPayload struct {
	EntityType string   `json:"entity_type"`
	Fields     []string `json:"fields"`
	Count      int      `json:"count,omitempty"`
}

// TuneSEOPayload adjusts titles/descriptions/keywords on existing pages.
type TuneSEOPayload struct {
	Pages    []string `json:"pages"`
	Keywords []string `json:"keywords,omitempty"`
}

// Validate rejects unknown action types and structurally empty payloads.
func (a Action) Validate() error {
	if !ValidActionType(a.Type) {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s has an empty payload", a.Type)
	}
	_, err := a.Decode()
	return err
}

// Decode unmarshals the payload into the variant matching the action type.
func (a Action) Decode() (any, error) {
	var (
		v   any
		err error
	)
	switch a.Type {
	case ActionGenerateContent:
		p := GenerateContentPayload{}
		err = json.Unmarshal(a.Payload, &p)
		if err == nil && p.Topic == "" {
			err = fmt.Errorf("generate_content payload is missing topic")
		}
		v = p
	case ActionUpdateListing:
		p := UpdateListingPayload{}
		err = json.Unmarshal(a.Payload, &p)
		if err == nil && p.ListingID == "" {
			err = fmt.Errorf("update_listing payload is missing listing_id")
		}
		v = p
	case ActionPatchCode:
		p := PatchCodePayload{}
		err = json.Unmarshal(a.Payload, &p)
		if err == nil && p.Description == "" {
			err = fmt.Errorf("patch_code payload is missing description")
		}
		v = p
	case ActionUpdateMetadata:
		p := UpdateMetadataPayload{}
		err = json.Unmarshal(a.Payload, &p)
		if err == nil && (p.EntityType == "" || len(p.Fields) == 0) {
			err = fmt.Errorf("update_metadata payload needs entity_type and fields")
		}
		v = p
	case ActionTuneSEO:
		p := TuneSEOPayload{}
		err = json.Unmarshal(a.Payload, &p)
		if err == nil && len(p.Pages) == 0 {
			err = fmt.Errorf("tune_seo payload needs at least one page")
		}
		v = p
	default:
		return nil, fmt.Errorf("unknown action type %q", a.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", a.Type, err)
	}
	return v, nil
}
