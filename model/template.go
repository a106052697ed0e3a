package model

// Routing rule comparison operators.
const (
	RuleOpEquals      = "equals"
	RuleOpNotEquals   = "not_equals"
	RuleOpGreaterThan = "greater_than"
	RuleOpLessThan    = "less_than"
	RuleOpContains    = "contains"
	RuleOpIsEmpty     = "is_empty"
)

// Routing rule actions.
const (
	RuleActionReactivate    = "reactivate"
	RuleActionSkip          = "skip"
	RuleActionInject        = "inject"
	RuleActionForceComplete = "force_complete"
)

// TemplateSnapshot is the immutable copy of workflow configuration captured
// at Document creation. It is never re-read from the live template, so
// in-flight documents behave consistently even if the source template is
// edited or deleted.
type TemplateSnapshot struct {
	TemplateID    string            `json:"template_id"`
	Name          string            `json:"name"`
	Topology      string            `json:"topology"`
	BodyHTML      string            `json:"body_html"`
	Fields        []SignatureField  `json:"fields,omitempty"`
	RoutingRules  []RoutingRule     `json:"routing_rules,omitempty"`
	Groups        []SigningGroup    `json:"groups,omitempty"`
	OTPRequired   bool              `json:"otp_required"`
	OTPTTLMinutes int               `json:"otp_ttl_minutes,omitempty"`
	OTPChannel    string            `json:"otp_channel,omitempty"`
	PreviewGate   bool              `json:"preview_gate"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
	WebhookSecret string            `json:"webhook_secret,omitempty"`
	ExpiryHours   int               `json:"expiry_hours,omitempty"`
	GraceHours    int               `json:"grace_hours,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the snapshot. Documents own their copy so a
// later template edit can never reach into an in-flight document.
func (t TemplateSnapshot) Clone() TemplateSnapshot {
	out := t
	out.Fields = append([]SignatureField(nil), t.Fields...)
	out.RoutingRules = make([]RoutingRule, len(t.RoutingRules))
	for i, r := range t.RoutingRules {
		out.RoutingRules[i] = r
		if r.Inject != nil {
			inj := *r.Inject
			out.RoutingRules[i].Inject = &inj
		}
	}
	out.Groups = make([]SigningGroup, len(t.Groups))
	for i, g := range t.Groups {
		out.Groups[i] = g
		out.Groups[i].Members = append([]GroupMember(nil), g.Members...)
	}
	if t.Metadata != nil {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Group looks up a signing group by ID. Recipients reference groups by ID,
// never by an owning pointer.
func (t *TemplateSnapshot) Group(groupID string) *SigningGroup {
	for i := range t.Groups {
		if t.Groups[i].ID == groupID {
			return &t.Groups[i]
		}
	}
	return nil
}

// SignatureField is a placement of one signature image on the rendered page.
type SignatureField struct {
	RecipientOrder int     `json:"recipient_order"`
	Page           int     `json:"page"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Width          float64 `json:"width"`
	Height         float64 `json:"height"`
}

// RoutingRule is a conditional workflow rule evaluated after each signature.
// Every rule whose trigger order matches the signer is scored independently;
// all matching rules fire in declared order.
type RoutingRule struct {
	TriggerOrder int              `json:"trigger_order"`
	Field        string           `json:"field"`
	Operator     string           `json:"operator"`
	Value        string           `json:"value,omitempty"`
	Action       string           `json:"action"`
	TargetOrder  int              `json:"target_order,omitempty"`
	Inject       *InjectRecipient `json:"inject,omitempty"`
}

// InjectRecipient describes a recipient added to the flow by a routing rule.
type InjectRecipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Order int    `json:"order"`
}

// SigningGroup is a set of users any one of whom may claim a single signing
// slot. Groups are data referenced by ID, not part of the Document's
// ownership tree.
type SigningGroup struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Members []GroupMember `json:"members"`
}

// GroupMember identifies one member of a signing group.
type GroupMember struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
