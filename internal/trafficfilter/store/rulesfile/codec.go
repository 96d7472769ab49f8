// Package rulesfile reads filter rules from YAML documents and keeps a
// running engine in sync with a rules file on disk.
package rulesfile

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"trafficfilter/internal/trafficfilter/core"
)

type ruleFile struct {
	Version string    `yaml:"version"`
	Rules   []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	ID          string    `yaml:"id"`
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Type        string    `yaml:"type"`
	Action      string    `yaml:"action"`
	Priority    int       `yaml:"priority"`
	Enabled     *bool     `yaml:"enabled"`
	BackendID   string    `yaml:"backend_id"`
	Config      yaml.Node `yaml:"config"`
}

type ipConfigDoc struct {
	Entries []string `yaml:"entries"`
}

type geoConfigDoc struct {
	Countries []string `yaml:"countries"`
}

type rateConfigDoc struct {
	TokensPerSecond float64 `yaml:"tokens_per_second"`
	BucketSize      int     `yaml:"bucket_size"`
}

type patternConfigDoc struct {
	Expr   string `yaml:"expr"`
	Target string `yaml:"target"`
	Header string `yaml:"header"`
}

type protocolConfigDoc struct {
	Protocol string `yaml:"protocol"`
}

type customConfigDoc struct {
	Expression string `yaml:"expression"`
}

// DecodeRules parses a YAML rules document into filter rules. Rules with no
// enabled field default to enabled; unknown document fields are rejected so
// typos fail loudly instead of silently dropping a condition.
func DecodeRules(data []byte) ([]core.FilterRule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file ruleFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return []core.FilterRule{}, nil
		}
		return nil, errors.Wrap(err, "parse rules document")
	}
	if file.Version != "" && file.Version != "1" {
		return nil, errors.Errorf("unsupported rules document version %q", file.Version)
	}

	rules := make([]core.FilterRule, 0, len(file.Rules))
	for _, doc := range file.Rules {
		config, err := decodeRuleConfig(doc)
		if err != nil {
			return nil, err
		}
		enabled := true
		if doc.Enabled != nil {
			enabled = *doc.Enabled
		}
		rules = append(rules, core.FilterRule{
			ID:          doc.ID,
			Name:        doc.Name,
			Description: doc.Description,
			Type:        core.RuleType(doc.Type),
			Action:      core.Action(doc.Action),
			Priority:    doc.Priority,
			Enabled:     enabled,
			BackendID:   doc.BackendID,
			Config:      config,
		})
	}
	return rules, nil
}

func decodeRuleConfig(doc ruleDoc) (core.RuleConfig, error) {
	switch core.RuleType(doc.Type) {
	case core.RuleTypeIP:
		var c ipConfigDoc
		if err := decodeConfigNode(doc, &c); err != nil {
			return nil, err
		}
		return core.IPConfig{Entries: c.Entries}, nil
	case core.RuleTypeGeo:
		var c geoConfigDoc
		if err := decodeConfigNode(doc, &c); err != nil {
			return nil, err
		}
		return core.GeoConfig{Countries: c.Countries}, nil
	case core.RuleTypeRate:
		var c rateConfigDoc
		if err := decodeConfigNode(doc, &c); err != nil {
			return nil, err
		}
		return core.RateConfig{TokensPerSecond: c.TokensPerSecond, BucketSize: c.BucketSize}, nil
	case core.RuleTypePattern:
		var c patternConfigDoc
		if err := decodeConfigNode(doc, &c); err != nil {
			return nil, err
		}
		return core.PatternConfig{Expr: c.Expr, Target: c.Target, Header: c.Header}, nil
	case core.RuleTypeProtocol:
		var c protocolConfigDoc
		if err := decodeConfigNode(doc, &c); err != nil {
			return nil, err
		}
		return core.ProtocolConfig{Protocol: c.Protocol}, nil
	case core.RuleTypeCustom:
		var c customConfigDoc
		if err := decodeConfigNode(doc, &c); err != nil {
			return nil, err
		}
		return core.CustomConfig{Expression: c.Expression}, nil
	default:
		return nil, errors.Errorf("rule %s: unknown type %q", doc.ID, doc.Type)
	}
}

// decodeConfigNode round-trips the config block through a strict decoder
// because yaml.Node.Decode does not honor KnownFields, and a typo'd key
// must not silently drop a condition.
func decodeConfigNode(doc ruleDoc, out any) error {
	if doc.Config.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(&doc.Config)
	if err != nil {
		return errors.Wrapf(err, "rule %s: encode %s config", doc.ID, doc.Type)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.Wrapf(err, "rule %s: decode %s config", doc.ID, doc.Type)
	}
	return nil
}
