// Package types 定義了 dialog-forge 系統中使用的核心領域模型
package types

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// Record 持久化的最小單位：一筆結構化生成結果（欄位名稱 -> 值）
type Record map[string]any

// 引擎附加的中繼資料欄位
const (
	FieldLanguage    = "language"    // 目標變體代碼
	FieldTemperature = "temperature" // 取樣溫度（四位小數）
	FieldTimestamp   = "timestamp"   // Unix 秒（含小數）
	FieldWorkerID    = "worker_id"   // 產生此紀錄的 worker
	FieldTheme       = "theme"       // 本組主題
)

// MetadataFields 引擎附加欄位，依寫入順序排列
var MetadataFields = []string{
	FieldLanguage,
	FieldTemperature,
	FieldTimestamp,
	FieldWorkerID,
	FieldTheme,
}

// Clone 回傳淺拷貝，避免呼叫者共享底層 map
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Variant 一個目標變體（例如一種語言）
type Variant struct {
	Code string `yaml:"code" toml:"code" json:"code"` // 兩字母代碼，例如 "en"
	Name string `yaml:"name" toml:"name" json:"name"` // 提示詞中使用的顯示名稱
}

// Attempt 單次生成嘗試的暫時值，不會單獨持久化
type Attempt struct {
	Prompt      string
	Temperature float64
	Variant     Variant
}

// Usage 單次呼叫回報的 token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Range 閉區間 [Min, Max]
type Range struct {
	Min float64 `yaml:"min" toml:"min" json:"min"`
	Max float64 `yaml:"max" toml:"max" json:"max"`
}

// DurationRange 延遲區間，用於 jitter 等待
type DurationRange struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// ParseRecord 將一行 JSON 解析為 Record
func ParseRecord(line []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// MarshalOrdered 以緊湊 JSON 輸出：order 中存在的鍵依序在前，其餘鍵按字母排序。
// 不跳脫 HTML，非 ASCII 字元原樣保留，結尾不含換行。
func (r Record) MarshalOrdered(order []string) ([]byte, error) {
	keys := make([]string, 0, len(r))
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		if _, ok := r[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(r)-len(keys))
	for k := range r {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	keys = append(keys, rest...)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	encode := func(v any) ([]byte, error) {
		buf.Reset()
		if err := enc.Encode(v); err != nil {
			return nil, err
		}
		return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
	}

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		key, err := encode(k)
		if err != nil {
			return nil, err
		}
		out = append(append(out, key...), ':')
		val, err := encode(r[k])
		if err != nil {
			return nil, err
		}
		out = append(out, val...)
	}
	return append(out, '}'), nil
}
