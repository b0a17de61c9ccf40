package broker

import "testing"

// TestMatchTopic はトピックパターンの一致判定を検証する。
func TestMatchTopic(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{pattern: "task.created", key: "task.created", want: true},
		{pattern: "task.created", key: "task.updated", want: false},
		{pattern: "task.*", key: "task.created", want: true},
		{pattern: "task.*", key: "task.comment.created", want: false},
		{pattern: "task.#", key: "task.comment.created", want: true},
		{pattern: "task.#", key: "task", want: true},
		{pattern: "#", key: "anything.at.all", want: true},
		{pattern: "*.created", key: "task.created", want: true},
		{pattern: "#.created", key: "task.comment.created", want: true},
		{pattern: "task.#.created", key: "task.created", want: true},
		{pattern: "task.#.created", key: "task.comment.updated", want: false},
		{pattern: "user.#", key: "task.created", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.key, func(t *testing.T) {
			t.Parallel()
			if got := MatchTopic(tt.pattern, tt.key); got != tt.want {
				t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

// TestHeaderInt はヘッダー値の数値変換を検証する。
func TestHeaderInt(t *testing.T) {
	t.Parallel()

	headers := map[string]any{
		"int":    2,
		"int32":  int32(3),
		"int64":  int64(4),
		"float":  float64(5),
		"string": "6",
		"bad":    "x",
	}
	want := map[string]int{"int": 2, "int32": 3, "int64": 4, "float": 5, "string": 6, "bad": 0, "missing": 0}
	for key, w := range want {
		if got := HeaderInt(headers, key); got != w {
			t.Errorf("HeaderInt(%q) = %d, want %d", key, got, w)
		}
	}
}
