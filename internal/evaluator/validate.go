package evaluator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// recommendationSchema 约束模型输出的结构。编译一次，所有评估器共用。
var recommendationSchema = mustCompileSchema(map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"action", "confidence"},
	"properties": map[string]interface{}{
		"action":            map[string]interface{}{"type": "string"},
		"confidence":        map[string]interface{}{"type": "number", "minimum": 0, "maximum": 100},
		"stop_distance_pct": map[string]interface{}{"type": "number", "minimum": 0},
		"target_pct":        map[string]interface{}{"type": "number", "minimum": 0},
		"rationale":         map[string]interface{}{"type": "string"},
	},
})

func mustCompileSchema(data map[string]interface{}) *jsonschema.Schema {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("recommendation.json", strings.NewReader(string(raw))); err != nil {
		panic(err)
	}
	return compiler.MustCompile("recommendation.json")
}

// ParseRecommendation turns one raw JSON object into a Recommendation.
// Numeric fields that arrive as strings ("75" instead of 75) are coerced
// before schema validation.
func ParseRecommendation(evaluatorID, symbol, block string) (Recommendation, error) {
	if !gjson.Valid(block) {
		return Recommendation{}, fmt.Errorf("json 格式无效")
	}
	parsed := gjson.Parse(block)
	if !parsed.IsObject() {
		return Recommendation{}, fmt.Errorf("根节点必须是 JSON 对象")
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(block), &doc); err != nil {
		return Recommendation{}, err
	}
	if err := recommendationSchema.Validate(coerceNumbers(doc)); err != nil {
		return Recommendation{}, fmt.Errorf("schema 校验失败: %w", err)
	}

	action := NormalizeAction(parsed.Get("action").String())
	if action == "" {
		return Recommendation{}, fmt.Errorf("未知 action %q", parsed.Get("action").String())
	}
	rec := Recommendation{
		Evaluator:       evaluatorID,
		Symbol:          strings.ToUpper(strings.TrimSpace(symbol)),
		Action:          action,
		Confidence:      parsed.Get("confidence").Float(),
		StopDistancePct: parsed.Get("stop_distance_pct").Float(),
		TargetPct:       parsed.Get("target_pct").Float(),
		Rationale:       strings.TrimSpace(parsed.Get("rationale").String()),
	}
	return rec, nil
}

// coerceNumbers 递归地把字符串形式的数字转成 float64，兼容模型偶尔给出
// "confidence": "80" 的情况。
func coerceNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			out[k] = coerceNumbers(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			out[i] = coerceNumbers(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return val
		}
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
