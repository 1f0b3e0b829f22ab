package domain

import (
	"errors"
	"testing"

	"github.com/bytedance/sonic"
)

func TestDecodeFrameCommands(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, cmd Command)
	}{
		{
			name:  "create",
			frame: `{"event":"task:create","data":{"title":"Write spec","priority":"high"}}`,
			check: func(t *testing.T, cmd Command) {
				c, ok := cmd.(CreateTask)
				if !ok {
					t.Fatalf("expected CreateTask, got %T", cmd)
				}
				if c.Draft.Title != "Write spec" || c.Draft.Priority != "high" || c.Draft.Column != "" {
					t.Fatalf("unexpected draft %+v", c.Draft)
				}
			},
		},
		{
			name:  "update by taskId",
			frame: `{"event":"task:update","data":{"taskId":"t1","description":"more"}}`,
			check: func(t *testing.T, cmd Command) {
				c, ok := cmd.(UpdateTask)
				if !ok {
					t.Fatalf("expected UpdateTask, got %T", cmd)
				}
				if c.ID != "t1" || c.Patch.Description == nil || *c.Patch.Description != "more" {
					t.Fatalf("unexpected update %+v", c)
				}
				if c.Patch.Title != nil || c.Patch.Priority != nil || c.Patch.Category != nil {
					t.Fatalf("absent fields must stay nil: %+v", c.Patch)
				}
			},
		},
		{
			name:  "update by id",
			frame: `{"event":"task:update","data":{"id":"t2","title":"x"}}`,
			check: func(t *testing.T, cmd Command) {
				if c := cmd.(UpdateTask); c.ID != "t2" {
					t.Fatalf("unexpected id %q", c.ID)
				}
			},
		},
		{
			name:  "move",
			frame: `{"event":"task:move","data":{"taskId":"t1","newColumn":"Done"}}`,
			check: func(t *testing.T, cmd Command) {
				c := cmd.(MoveTask)
				if c.TaskID != "t1" || c.NewColumn != ColumnDone {
					t.Fatalf("unexpected move %+v", c)
				}
			},
		},
		{
			name:  "move padded id",
			frame: `{"event":"task:move","data":{"taskId":" t1 ","newColumn":"Done"}}`,
			check: func(t *testing.T, cmd Command) {
				if c := cmd.(MoveTask); c.TaskID != "t1" {
					t.Fatalf("expected trimmed id, got %q", c.TaskID)
				}
			},
		},
		{
			name:  "delete padded bare id",
			frame: `{"event":"task:delete","data":" t1 "}`,
			check: func(t *testing.T, cmd Command) {
				if c := cmd.(DeleteTask); c.TaskID != "t1" {
					t.Fatalf("expected trimmed id, got %q", c.TaskID)
				}
			},
		},
		{
			name:  "upload padded id",
			frame: `{"event":"task:upload","data":{"taskId":" t1 ","fileData":{"name":"a.txt","type":"text/plain","data":""}}}`,
			check: func(t *testing.T, cmd Command) {
				if c := cmd.(UploadAttachment); c.TaskID != "t1" {
					t.Fatalf("expected trimmed id, got %q", c.TaskID)
				}
			},
		},
		{
			name:  "delete bare id",
			frame: `{"event":"task:delete","data":"t1"}`,
			check: func(t *testing.T, cmd Command) {
				if c := cmd.(DeleteTask); c.TaskID != "t1" {
					t.Fatalf("unexpected delete %+v", c)
				}
			},
		},
		{
			name:  "delete object",
			frame: `{"event":"task:delete","data":{"taskId":"t3"}}`,
			check: func(t *testing.T, cmd Command) {
				if c := cmd.(DeleteTask); c.TaskID != "t3" {
					t.Fatalf("unexpected delete %+v", c)
				}
			},
		},
		{
			name:  "upload",
			frame: `{"event":"task:upload","data":{"taskId":"t1","fileData":{"name":"a.txt","type":"text/plain","data":"aGVsbG8="}}}`,
			check: func(t *testing.T, cmd Command) {
				c := cmd.(UploadAttachment)
				if c.TaskID != "t1" || c.File.Name != "a.txt" || string(c.File.Data) != "hello" {
					t.Fatalf("unexpected upload %+v", c)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := DecodeFrame([]byte(tt.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, cmd)
		})
	}
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	frames := map[string]string{
		"not json":        `{`,
		"unknown event":   `{"event":"task:archive","data":{}}`,
		"missing data":    `{"event":"task:create"}`,
		"missing title":   `{"event":"task:create","data":{"description":"x"}}`,
		"update no id":    `{"event":"task:update","data":{"title":"x"}}`,
		"move bad column": `{"event":"task:move","data":{"taskId":"t1","newColumn":"Later"}}`,
		"move no id":      `{"event":"task:move","data":{"newColumn":"Done"}}`,
		"move blank id":   `{"event":"task:move","data":{"taskId":"  ","newColumn":"Done"}}`,
		"delete empty":    `{"event":"task:delete","data":""}`,
		"delete null":     `{"event":"task:delete","data":null}`,
		"upload no file":  `{"event":"task:upload","data":{"taskId":"t1"}}`,
		"wrong type":      `{"event":"task:move","data":{"taskId":7,"newColumn":"Done"}}`,
	}
	for name, frame := range frames {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(frame))
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
		})
	}
}

func TestEncodeEventShapes(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{name: "deleted", ev: TaskDeleted{TaskID: "t1"}, want: `{"event":"task:deleted","data":"t1"}`},
		{name: "moved", ev: TaskMoved{Move: TaskMove{TaskID: "t1", NewColumn: ColumnDone}}, want: `{"event":"task:moved","data":{"taskId":"t1","newColumn":"Done"}}`},
		{name: "empty sync", ev: SyncTasks{}, want: `{"event":"sync:tasks","data":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeEvent(tt.ev)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("EncodeEvent() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeUploadedCarriesAttachment(t *testing.T) {
	ev := TaskUploaded{TaskID: "t1", Attachment: Attachment{ID: "a1", Name: "a.txt", ContentRef: "blob:x"}}
	raw, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got struct {
		Event string `json:"event"`
		Data  struct {
			TaskID     string     `json:"taskId"`
			Attachment Attachment `json:"attachment"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != EventTaskUploaded || got.Data.TaskID != "t1" || got.Data.Attachment.ContentRef != "blob:x" {
		t.Fatalf("unexpected frame %s", raw)
	}
}

func TestTargetID(t *testing.T) {
	if id := TargetID(CreateTask{}); id != "" {
		t.Fatalf("expected no target for create, got %q", id)
	}
	if id := TargetID(MoveTask{TaskID: "t9"}); id != "t9" {
		t.Fatalf("expected t9, got %q", id)
	}
}
