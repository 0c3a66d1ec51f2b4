package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var roster = map[string]bool{
	"researcher":  true,
	"writer":      true,
	"backend-dev": true,
}

func TestParseLinearPlan(t *testing.T) {
	plan := `Here is my plan for the request:

Task 1: @researcher - Collect background material
Task 2: @writer - Draft the summary (depends on Task 1)

Let me know if that works.`

	tasks, err := Parse(plan, roster)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, 1, tasks[0].Number)
	assert.Equal(t, "researcher", tasks[0].Handle)
	assert.Equal(t, "Collect background material", tasks[0].Description)
	assert.Empty(t, tasks[0].DependsOn)

	assert.Equal(t, 2, tasks[1].Number)
	assert.Equal(t, "writer", tasks[1].Handle)
	assert.Equal(t, "Draft the summary", tasks[1].Description)
	assert.Equal(t, []int{1}, tasks[1].DependsOn)
}

func TestParseFanInPlan(t *testing.T) {
	plan := `Task 1: @researcher - Research topic A
Task 2: @backend-dev - Research topic B
Task 3: @writer - Merge both into one report (depends on Task 1, Task 2)`

	tasks, err := Parse(plan, roster)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, []int{1, 2}, tasks[2].DependsOn)
}

func TestParseToleratesFormattingVariants(t *testing.T) {
	plan := `- task 1: @Researcher - Find sources
* TASK 2: @WRITER - Write it up (Depends On task 1)`

	tasks, err := Parse(plan, roster)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "researcher", tasks[0].Handle)
	assert.Equal(t, "writer", tasks[1].Handle)
	assert.Equal(t, []int{1}, tasks[1].DependsOn)
}

func TestParseEmptyPlan(t *testing.T) {
	_, err := Parse("I could not break this down into tasks.", roster)
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = Parse("", roster)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestParseUnknownAgent(t *testing.T) {
	_, err := Parse("Task 1: @nobody - Do something", roster)
	var unknownAgent *UnknownAgentError
	require.ErrorAs(t, err, &unknownAgent)
	assert.Equal(t, "nobody", unknownAgent.Handle)
	assert.Equal(t, 1, unknownAgent.Task)
}

func TestParseUnknownDependency(t *testing.T) {
	_, err := Parse("Task 1: @writer - Write (depends on Task 7)", roster)
	var unknownDep *UnknownDependencyError
	require.ErrorAs(t, err, &unknownDep)
	assert.Equal(t, 1, unknownDep.Task)
	assert.Equal(t, 7, unknownDep.Ref)
}

func TestParseDuplicateTask(t *testing.T) {
	plan := `Task 1: @writer - First
Task 1: @researcher - Second`
	_, err := Parse(plan, roster)
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 1, dup.Number)
}

func TestParseCyclicPlan(t *testing.T) {
	plan := `Task 1: @writer - A (depends on Task 3)
Task 2: @researcher - B (depends on Task 1)
Task 3: @backend-dev - C (depends on Task 2)`
	_, err := Parse(plan, roster)
	var cyclic *CyclicPlanError
	require.ErrorAs(t, err, &cyclic)
	assert.NotEmpty(t, cyclic.Tasks)
}

func TestParseSelfDependencyIsCycle(t *testing.T) {
	_, err := Parse("Task 1: @writer - Recurse (depends on Task 1)", roster)
	var cyclic *CyclicPlanError
	assert.ErrorAs(t, err, &cyclic)
}
