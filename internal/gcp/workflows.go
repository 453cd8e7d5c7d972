package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/markforge/internal/models"
)

// WorkflowNotifier starts a Cloud Workflows execution after each batch.
type WorkflowNotifier struct {
	client *executions.Client
	parent string
}

// NewWorkflowNotifier creates a notifier for the given workflow.
func NewWorkflowNotifier(client *executions.Client, projectID, location, workflowID string) *WorkflowNotifier {
	return &WorkflowNotifier{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}
}

// Notify passes the batch summary as the execution argument and returns the
// execution name.
func (n *WorkflowNotifier) Notify(ctx context.Context, summary models.BatchSummary) (string, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	exec, err := n.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: n.parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return exec.GetName(), nil
}
