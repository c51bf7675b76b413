package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"arbiter/internal/decision"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// 中文说明：
// 模型输出解析：剥离代码围栏 → 提取首个 JSON 对象 → gjson 预检
// → jsonschema 结构校验 → 反序列化为 TradingDecision。
// 这里只做结构层把关，业务规则交给 validator。

const decisionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["decisions", "total_allocation_usd"],
  "properties": {
    "decisions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["asset", "action"],
        "properties": {
          "asset": {"type": "string", "minLength": 1},
          "action": {"enum": ["buy", "sell", "hold", "adjust_position", "close_position", "adjust_orders"]},
          "allocation_usd": {"type": "number", "minimum": 0},
          "take_profit": {"type": "number"},
          "stop_loss": {"type": "number"},
          "exit_plan": {"type": "string"},
          "rationale": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 100},
          "risk_level": {"enum": ["low", "medium", "high"]}
        }
      }
    },
    "portfolio_rationale": {"type": "string"},
    "total_allocation_usd": {"type": "number"},
    "portfolio_risk_level": {"enum": ["low", "medium", "high"]}
  }
}`

type responseParser struct {
	schema *jsonschema.Schema
}

func newResponseParser() (*responseParser, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("decision.json", strings.NewReader(decisionSchemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("decision.json")
	if err != nil {
		return nil, err
	}
	return &responseParser{schema: schema}, nil
}

func (p *responseParser) parse(raw string) (decision.TradingDecision, error) {
	var zero decision.TradingDecision
	body, ok := extractJSONObject(raw)
	if !ok {
		return zero, fmt.Errorf("%w: 输出中未找到 JSON 对象", ErrMalformed)
	}
	if err := precheckDecisionJSON(body); err != nil {
		return zero, err
	}

	var generic any
	if err := json.Unmarshal([]byte(body), &generic); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := p.schema.Validate(generic); err != nil {
		return zero, fmt.Errorf("%w: schema 校验失败: %v", ErrMalformed, err)
	}

	var td decision.TradingDecision
	if err := json.Unmarshal([]byte(body), &td); err != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return td, nil
}

// precheckDecisionJSON 用 gjson 做轻量预检，错误信息比 schema 报错更可读。
func precheckDecisionJSON(body string) error {
	if !gjson.Valid(body) {
		return fmt.Errorf("%w: json 格式无效", ErrMalformed)
	}
	decisions := gjson.Get(body, "decisions")
	if !decisions.Exists() || !decisions.IsArray() {
		return fmt.Errorf("%w: 缺少 decisions 数组", ErrMalformed)
	}
	var precheckErr error
	idx := 0
	decisions.ForEach(func(_, value gjson.Result) bool {
		idx++
		if strings.TrimSpace(value.Get("asset").String()) == "" {
			precheckErr = fmt.Errorf("%w: 决策#%d 缺少 asset", ErrMalformed, idx)
			return false
		}
		if strings.TrimSpace(value.Get("action").String()) == "" {
			precheckErr = fmt.Errorf("%w: 决策#%d 缺少 action", ErrMalformed, idx)
			return false
		}
		return true
	})
	if precheckErr != nil {
		return precheckErr
	}
	if idx == 0 {
		return fmt.Errorf("%w: decisions 数组为空", ErrMalformed)
	}
	return nil
}

// extractJSONObject 提取首个配平的 JSON 对象（容忍 ```json 围栏与前后说明文字）。
func extractJSONObject(s string) (string, bool) {
	s = stripCodeFences(s)
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1]), true
			}
		}
	}
	return "", false
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
