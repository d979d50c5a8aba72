package payload

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/formprobe/api/schemas"
)

const (
	bpmnNamespace   = "http://www.omg.org/spec/BPMN/20100524/MODEL"
	processIDPrefix = "Process_"
	laneSetID       = "LaneSet_1"
)

// serializeBPMN renders input as a BPMN 2.0 process: one lane per actor
// holding its tasks, one task element per task and one sequence flow per
// flow. Element order follows payload order.
func serializeBPMN(input schemas.WorkflowInput) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	defs := doc.CreateElement("bpmn:definitions")
	defs.CreateAttr("xmlns:bpmn", bpmnNamespace)
	defs.CreateAttr("id", "Definitions_1")

	process := defs.CreateElement("bpmn:process")
	process.CreateAttr("id", processIDPrefix+"1")
	process.CreateAttr("name", input.ProcessInfo.Name)
	process.CreateAttr("isExecutable", "false")

	laneSet := process.CreateElement("bpmn:laneSet")
	laneSet.CreateAttr("id", laneSetID)
	for _, actor := range input.Actors {
		lane := laneSet.CreateElement("bpmn:lane")
		lane.CreateAttr("id", actor.ID)
		lane.CreateAttr("name", actor.Name)
		for _, task := range input.Tasks {
			if task.ActorID == actor.ID {
				lane.CreateElement("bpmn:flowNodeRef").SetText(task.ID)
			}
		}
	}

	for _, task := range input.Tasks {
		el := process.CreateElement("bpmn:task")
		el.CreateAttr("id", task.ID)
		el.CreateAttr("name", task.Name)
		el.CreateAttr("actorId", task.ActorID)
	}

	for i, flow := range input.Flows {
		el := process.CreateElement("bpmn:sequenceFlow")
		el.CreateAttr("id", fmt.Sprintf("Flow_%d", i+1))
		el.CreateAttr("sourceRef", flow.From)
		el.CreateAttr("targetRef", flow.To)
	}

	doc.Indent(2)
	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("failed to write BPMN document: %w", err)
	}
	return out, nil
}
