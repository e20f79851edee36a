// Package policy holds the retry/iteration ceilings, operation names, and
// telemetry result tags shared by the orchestrator packages.
package policy

const (
	// FeatureEvaluationProductName tags telemetry emitted by this product.
	FeatureEvaluationProductName = "FeatureDev"
	// FeatureName is the user-facing name of the code generation agent.
	FeatureName = "Code generation agent for software development"

	// CodeGenerationRetryLimit is the number of code generation attempts allowed per conversation.
	CodeGenerationRetryLimit = 3
	// DefaultRetryLimit is used when no session context can be resolved.
	DefaultRetryLimit = 0

	// MaxProjectSizeBytes is the largest packaged workspace accepted for upload.
	MaxProjectSizeBytes int64 = 200 * 1024 * 1024
)

// ModifySourceFolderErrorReason names a workspace selection failure.
type ModifySourceFolderErrorReason string

const (
	// ClosedBeforeSelection means the folder picker was dismissed without a choice.
	ClosedBeforeSelection ModifySourceFolderErrorReason = "ClosedBeforeSelection"
	// NotInWorkspaceFolder means the chosen folder lies outside the workspace root.
	NotInWorkspaceFolder ModifySourceFolderErrorReason = "NotInWorkspaceFolder"
)

func (r ModifySourceFolderErrorReason) String() string { return string(r) }

// Operation identifies one remote agent call for telemetry.
type Operation string

const (
	OpStartCodeGeneration Operation = "StartTaskAssistCodeGenerator"
	OpCreateConversation  Operation = "CreateConversation"
	OpCreateUploadURL     Operation = "CreateUploadUrl"
	OpGenerateCode        Operation = "GenerateCode"
	OpGetCodeGeneration   Operation = "GetTaskAssistCodeGenerator"
	OpExportArchiveResult Operation = "ExportTaskAssistArchiveResult"
	OpUploadArtifact      Operation = "UploadToS3"
	OpPackageWorkspace    Operation = "PackageWorkspace"
	OpResolveSourceFolder Operation = "ResolveSourceFolder"
	OpInteract            Operation = "Interact"
	OpAwaitCodeGeneration Operation = "AwaitCodeGeneration"
	OpPreloadConversation Operation = "Preload"
	OpCloseConversation   Operation = "Close"
)

func (o Operation) String() string { return string(o) }

// MetricDataOperationName names a code generation lifecycle metric.
type MetricDataOperationName string

const (
	MetricStartCodeGeneration MetricDataOperationName = "StartCodeGeneration"
	MetricEndCodeGeneration   MetricDataOperationName = "EndCodeGeneration"
)

func (m MetricDataOperationName) String() string { return string(m) }

// MetricDataResult is the outcome tag attached to operation telemetry.
type MetricDataResult string

const (
	ResultSuccess    MetricDataResult = "Success"
	ResultFault      MetricDataResult = "Fault"
	ResultError      MetricDataResult = "Error"
	ResultLLMFailure MetricDataResult = "LLMFailure"
)

func (m MetricDataResult) String() string { return string(m) }
