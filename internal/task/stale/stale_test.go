package stale

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "flowmake/pkg/logx"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func TestModTimeNeedsUpdate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	oldIn := filepath.Join(dir, "old.in")
	newIn := filepath.Join(dir, "new.in")
	out1 := filepath.Join(dir, "a.out")
	out2 := filepath.Join(dir, "b.out")
	missing := filepath.Join(dir, "missing")

	touch(t, oldIn, base)
	touch(t, out1, base.Add(10*time.Minute))
	touch(t, out2, base.Add(20*time.Minute))
	touch(t, newIn, base.Add(15*time.Minute))

	o := NewModTime(logx.Nop())
	tests := []struct {
		name    string
		outputs []string
		inputs  []string
		want    bool
	}{
		{name: "no outputs", outputs: nil, inputs: []string{oldIn}, want: true},
		{name: "no outputs no inputs", want: true},
		{name: "missing output", outputs: []string{out1, missing}, inputs: []string{oldIn}, want: true},
		{name: "outputs exist no inputs", outputs: []string{out1}, want: false},
		{name: "older input", outputs: []string{out1, out2}, inputs: []string{oldIn}, want: false},
		{name: "input newer than oldest output", outputs: []string{out1, out2}, inputs: []string{oldIn, newIn}, want: true},
		{name: "input older than single newest output", outputs: []string{out2}, inputs: []string{newIn}, want: false},
		{name: "missing input", outputs: []string{out2}, inputs: []string{missing}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := o.NeedsUpdate(tt.outputs, tt.inputs); got != tt.want {
				t.Fatalf("NeedsUpdate(%v, %v) = %t, want %t", tt.outputs, tt.inputs, got, tt.want)
			}
		})
	}
}

func TestModTimeStatErrorIsStale(t *testing.T) {
	t.Parallel()
	o := &ModTime{Log: logx.Nop(), Stat: func(string) (fs.FileInfo, error) {
		return nil, errors.New("permission denied")
	}}
	if !o.NeedsUpdate([]string{"x"}, nil) {
		t.Fatalf("stat error should be stale")
	}
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()
	var gotOut, gotIn []string
	f := Func(func(outputs, inputs []string) bool {
		gotOut, gotIn = outputs, inputs
		return false
	})
	if f.NeedsUpdate([]string{"o"}, []string{"i"}) {
		t.Fatalf("Func result not passed through")
	}
	if len(gotOut) != 1 || len(gotIn) != 1 {
		t.Fatalf("arguments not passed through")
	}
	if !Always.NeedsUpdate(nil, nil) {
		t.Fatalf("Always must be stale")
	}
}
