package models

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/kaptinlin/jsonrepair"
)

// TeamFormation is the view model of the team-formation tool arguments. The remote agent streams
// several tool-call chunks with the same ID while it recruits, each carrying the full state so far.
type TeamFormation struct {
	Task          string       `json:"task"`
	RequiredRoles []string     `json:"requiredRoles,omitempty"`
	Status        TeamStatus   `json:"status"`
	Progress      float64      `json:"progress"`
	CurrentStep   string       `json:"currentStep"`
	Members       []TeamMember `json:"members"`
	TeamStats     *TeamStats   `json:"teamStats,omitempty"`
}

// TeamMember is one recruited agent.
type TeamMember struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Skill       string `json:"skill"`
	Experience  string `json:"experience"`
	Avatar      string `json:"avatar"`
	Description string `json:"description"`
}

// TeamStats summarizes a completed team.
type TeamStats struct {
	TotalMembers  int      `json:"totalMembers"`
	AvgExperience string   `json:"avgExperience,omitempty"`
	Skills        []string `json:"skills"`
}

// TeamStatus is the recruiting state of a team.
type TeamStatus string

const (
	// TeamFormationTool is the name of the tool whose arguments are enriched and rendered as a card.
	TeamFormationTool = "team-formation"

	// TeamStatusStarting is the state before any member is recruited.
	TeamStatusStarting TeamStatus = "starting"
	// TeamStatusRecruiting is the state while members are being added.
	TeamStatusRecruiting TeamStatus = "recruiting"
	// TeamStatusCompleted is the final state.
	TeamStatusCompleted TeamStatus = "completed"

	// TeamTargetSize is the number of members a team is recruited up to.
	TeamTargetSize = 4

	teamFormationDoneStep = "小队组建完成！"
)

var defaultTeamSkills = []string{"AI图片创作", "数据分析", "智能问答", "流程编排"}

// EnrichTeamFormation fills the fields the team-formation card needs when the source left them out
// or empty: members, status, progress, currentStep and teamStats. Arguments that are a JSON encoded
// string are unwrapped first, and malformed JSON is repaired when possible. Arguments that cannot be
// read as an object are replaced by the defaults.
func EnrichTeamFormation(args json.RawMessage) json.RawMessage {
	obj := argsObject(args)

	if falsy(obj["members"]) {
		obj["members"] = []any{}
	}
	if falsy(obj["status"]) {
		obj["status"] = string(TeamStatusCompleted)
	}
	if falsy(obj["progress"]) {
		obj["progress"] = 1.0
	}
	if falsy(obj["currentStep"]) {
		obj["currentStep"] = teamFormationDoneStep
	}
	if falsy(obj["teamStats"]) {
		total := 0
		if members, ok := obj["members"].([]any); ok {
			total = len(members)
		}
		obj["teamStats"] = map[string]any{
			"totalMembers": total,
			"skills":       defaultTeamSkills,
		}
	}

	res, err := json.Marshal(obj)
	if err != nil {
		return args
	}
	return res
}

// ParseTeamFormation decodes team-formation arguments into the card view model.
func ParseTeamFormation(args json.RawMessage) (TeamFormation, error) {
	var tf TeamFormation
	b, err := json.Marshal(argsObject(args))
	if err != nil {
		return tf, fmt.Errorf("failed to marshal team formation args: %w", err)
	}
	if err := json.Unmarshal(b, &tf); err != nil {
		return tf, fmt.Errorf("failed to unmarshal team formation args: %w", err)
	}
	return tf, nil
}

// Percent returns the progress as a rounded percentage.
func (t TeamFormation) Percent() int {
	return int(math.Round(t.Progress * 100))
}

// argsObject reads tool arguments as a JSON object. It never returns nil.
func argsObject(args json.RawMessage) map[string]any {
	raw := []byte(args)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = []byte(s)
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		obj = nil
		repaired, err := jsonrepair.JSONRepair(string(raw))
		if err != nil {
			return map[string]any{}
		}
		if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
			return map[string]any{}
		}
	}
	if obj == nil {
		return map[string]any{}
	}
	return obj
}

// falsy reports whether a decoded JSON value counts as absent: missing, null, false, zero or empty string.
func falsy(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case float64:
		return v == 0 || math.IsNaN(v)
	case string:
		return v == ""
	}
	return false
}
