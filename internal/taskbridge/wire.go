package taskbridge

import "encoding/json"

// Task statuses used on the wire.
const (
	StatusSubmitted = "SUBMITTED"
	StatusSuccess   = "SUCCESS"
)

// CommandRun asks the evaluator to run the tasks of a batch.
const CommandRun = "run"

// Default file names, relative to the outbox and inbox directories.
const (
	RequestFilename  = "input_tasks.json"
	ResponseFilename = "output_tasks.json"
)

// Value wraps a single number on the wire. It is kept raw so that requested
// outputs serialize as null until the evaluator fills them in, and so that a
// missing or non-numeric answer can be told apart from zero.
type Value struct {
	Value json.RawMessage `json:"value"`
}

// Task is one entry of a batch.
type Task struct {
	Status string           `json:"status"`
	Input  map[string]Value `json:"input"`
	Output map[string]Value `json:"output"`
}

// Batch is the content of both the request and the response file. The
// evaluator answers by echoing the batch with statuses and outputs filled in.
type Batch struct {
	UUID       string `json:"uuid"`
	CallerUUID string `json:"caller_uuid"`
	MapUUID    string `json:"map_uuid"`
	Command    string `json:"command"`
	Tasks      []Task `json:"tasks"`
}

// batchHeader is decoded first so that a stale response is recognized without
// decoding its tasks.
type batchHeader struct {
	UUID string `json:"uuid"`
}

var jsonNull = json.RawMessage("null")
