package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/unkn0wn-root/cascluster"
)

func TestLogrusLoggerFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := New(base, "n1")

	l.Error("task failed", cascluster.Fields{"task": "report", "err": errors.New("boom")})

	e := hook.LastEntry()
	if e == nil {
		t.Fatalf("no entry")
	}
	if e.Level != logrus.ErrorLevel || e.Message != "task failed" {
		t.Fatalf("entry=%+v", e)
	}
	if e.Data["node"] != "n1" || e.Data["task"] != "report" {
		t.Fatalf("data=%v", e.Data)
	}
	if err, _ := e.Data[logrus.ErrorKey].(error); err == nil || err.Error() != "boom" {
		t.Fatalf("error field=%v", e.Data[logrus.ErrorKey])
	}
}
