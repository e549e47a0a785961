package ppo

import "fmt"

// KL penalty transforms applied to the per-token log-prob gap before the
// -beta scaling.
const (
	KLIdentity = "identity"
	KLAbs      = "abs"
	KLMSE      = "mse"
)

// Config carries every tunable of the PPO engine.  Zero values are not
// usable defaults; construct with DefaultConfig and override.
type Config struct {
	// Model artifacts.
	SFTModelPath    string `yaml:"sft_model_path"`
	RewardHeadPath  string `yaml:"reward_head_path"`
	OutputDir       string `yaml:"output_dir"`
	CriticOutputDir string `yaml:"critic_output_dir"`
	TokenizerPath   string `yaml:"tokenizer_path"`

	// Data.  An empty prompt path selects the synthetic demo corpus; an
	// empty extra path disables the auxiliary loss data.
	PromptDataPath string `yaml:"prompt_data_path"`
	ExtraDataPath  string `yaml:"extra_data_path"`

	// Adapter layout.
	UseCoModel       bool     `yaml:"use_co_model"`
	UseMultiAdapters bool     `yaml:"use_multi_adapters"`
	AdapterRank      int      `yaml:"adapter_rank"`
	AdapterAlpha     float32  `yaml:"adapter_alpha"`
	LoraTargetNames  []string `yaml:"lora_target_modules"`

	// Reward shaping.
	Gamma           float32  `yaml:"gamma"`
	Lam             float32  `yaml:"lam"`
	KLPenaltyBeta   float32  `yaml:"kl_penalty_beta"`
	KLPenaltyMethod string   `yaml:"kl_penalty_method"`
	RewardScoreClip *float32 `yaml:"reward_score_clip"`
	UseAdvantageNorm bool    `yaml:"use_advantage_norm"`

	// Losses.
	RatioClip             float32  `yaml:"ratio_clip"`
	ValueClip             float32  `yaml:"value_clip"`
	ActorLossWeight       float32  `yaml:"actor_loss_weight"`
	CriticLossWeight      float32  `yaml:"critic_loss_weight"`
	EntropyBeta           float32  `yaml:"entropy_beta"`
	ExtraLossWeight       float32  `yaml:"extra_loss_weight"`
	ExtraWarmupStepsRatio *float32 `yaml:"extra_warmup_steps_ratio"`

	// Batching.
	MiniDataBufferNums          int `yaml:"mini_data_buffer_nums"`
	PerDeviceTrainBatchSize     int `yaml:"per_device_train_batch_size"`
	PerDeviceMiniTrainBatchSize int `yaml:"per_device_mini_train_batch_size"`
	PPOEpochs                   int `yaml:"ppo_epochs"`
	GradAccumSteps              int `yaml:"gradient_accumulation_steps"`

	// Generation.
	MaxResponseLength int     `yaml:"max_response_length"`
	MinResponseLength int     `yaml:"min_response_length"`
	PadID             int     `yaml:"pad_token_id"`
	EOSID             int     `yaml:"eos_token_id"`
	Temperature       float32 `yaml:"temperature"`
	TopK              int     `yaml:"top_k"`
	TopP              float32 `yaml:"top_p"`

	// Optimization.
	ActorLR           float64  `yaml:"actor_lr"`
	ActorWeightDecay  float64  `yaml:"actor_weight_decay"`
	CriticLR          float64  `yaml:"critic_lr"`
	CriticWeightDecay float64  `yaml:"critic_weight_decay"`
	MaxGradNorm       *float64 `yaml:"max_grad_norm"`
	WarmupSteps       int      `yaml:"warmup_steps"`
	MaxSteps          int      `yaml:"max_steps"`
	NumTrainEpochs    int      `yaml:"num_train_epochs"`

	// Cadence.
	SaveSteps    int `yaml:"save_steps"`
	LoggingSteps int `yaml:"logging_steps"`

	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the upstream fine-tuning defaults.
func DefaultConfig() Config {
	return Config{
		UseCoModel:       true,
		AdapterRank:      8,
		AdapterAlpha:     16,
		LoraTargetNames:  []string{"hidden_proj"},
		Gamma:            0.99,
		Lam:              0.95,
		KLPenaltyBeta:    0.1,
		KLPenaltyMethod:  KLIdentity,
		RatioClip:        0.2,
		ValueClip:        0.2,
		ActorLossWeight:  1,
		CriticLossWeight: 1,
		EntropyBeta:      0,

		MiniDataBufferNums:          1,
		PerDeviceTrainBatchSize:     8,
		PerDeviceMiniTrainBatchSize: 4,
		PPOEpochs:                   2,
		GradAccumSteps:              1,

		MaxResponseLength: 128,
		MinResponseLength: 1,
		EOSID:             -1,
		Temperature:       1,
		TopP:              1,

		ActorLR:        1e-4,
		CriticLR:       1e-4,
		NumTrainEpochs: 1,

		SaveSteps:    100,
		LoggingSteps: 10,
	}
}

// Validate surfaces every ConfigurationError before training starts.  The
// first offending field is reported; nothing is retried.
func (c *Config) Validate() error {
	if c.SFTModelPath == "" {
		return &ConfigError{Field: "sft_model_path", Reason: "required: the policy initializes from the SFT model"}
	}
	if c.RewardHeadPath == "" {
		return &ConfigError{Field: "reward_head_path", Reason: "required: the frozen reward head artifact"}
	}
	if len(c.LoraTargetNames) == 0 {
		return &ConfigError{Field: "lora_target_modules", Reason: "required: at least one adapter target"}
	}
	if c.UseMultiAdapters && !c.UseCoModel {
		return &ConfigError{Field: "use_multi_adapters", Reason: "requires use_co_model: a separate critic adapter only exists on a shared backbone"}
	}
	if c.AdapterRank <= 0 {
		return &ConfigError{Field: "adapter_rank", Reason: "must be positive"}
	}
	switch c.KLPenaltyMethod {
	case KLIdentity, KLAbs, KLMSE:
	default:
		return &ConfigError{Field: "kl_penalty_method", Reason: fmt.Sprintf("unknown method %q (want identity, abs or mse)", c.KLPenaltyMethod)}
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return &ConfigError{Field: "gamma", Reason: "must lie in [0, 1]"}
	}
	if c.Lam < 0 || c.Lam > 1 {
		return &ConfigError{Field: "lam", Reason: "must lie in [0, 1]"}
	}
	if c.RatioClip <= 0 {
		return &ConfigError{Field: "ratio_clip", Reason: "must be positive"}
	}
	if c.ValueClip <= 0 {
		return &ConfigError{Field: "value_clip", Reason: "must be positive"}
	}
	if c.RewardScoreClip != nil && *c.RewardScoreClip <= 0 {
		return &ConfigError{Field: "reward_score_clip", Reason: "must be positive when set"}
	}
	if c.ExtraWarmupStepsRatio != nil && (*c.ExtraWarmupStepsRatio < 0 || *c.ExtraWarmupStepsRatio > 1) {
		return &ConfigError{Field: "extra_warmup_steps_ratio", Reason: "must lie in [0, 1] when set"}
	}
	if c.MiniDataBufferNums <= 0 {
		return &ConfigError{Field: "mini_data_buffer_nums", Reason: "must be positive"}
	}
	if c.PerDeviceTrainBatchSize <= 0 {
		return &ConfigError{Field: "per_device_train_batch_size", Reason: "must be positive"}
	}
	if c.PerDeviceMiniTrainBatchSize <= 0 || c.PerDeviceMiniTrainBatchSize > c.PerDeviceTrainBatchSize {
		return &ConfigError{Field: "per_device_mini_train_batch_size", Reason: "must be positive and no larger than per_device_train_batch_size"}
	}
	if c.PPOEpochs <= 0 {
		return &ConfigError{Field: "ppo_epochs", Reason: "must be positive"}
	}
	if c.GradAccumSteps <= 0 {
		return &ConfigError{Field: "gradient_accumulation_steps", Reason: "must be positive"}
	}
	if c.MaxResponseLength <= 0 {
		return &ConfigError{Field: "max_response_length", Reason: "must be positive"}
	}
	if c.MinResponseLength < 0 || c.MinResponseLength > c.MaxResponseLength {
		return &ConfigError{Field: "min_response_length", Reason: "must lie in [0, max_response_length]"}
	}
	if c.Temperature < 0 {
		return &ConfigError{Field: "temperature", Reason: "must be non-negative (zero selects greedy decoding)"}
	}
	if c.TopK < 0 {
		return &ConfigError{Field: "top_k", Reason: "must be non-negative"}
	}
	if c.TopP <= 0 || c.TopP > 1 {
		return &ConfigError{Field: "top_p", Reason: "must lie in (0, 1]"}
	}
	if c.MaxGradNorm != nil && *c.MaxGradNorm <= 0 {
		return &ConfigError{Field: "max_grad_norm", Reason: "must be positive when set"}
	}
	if c.MaxSteps <= 0 && c.NumTrainEpochs <= 0 {
		return &ConfigError{Field: "max_steps", Reason: "either max_steps or num_train_epochs must be positive"}
	}
	if c.SaveSteps <= 0 {
		return &ConfigError{Field: "save_steps", Reason: "must be positive"}
	}
	if c.LoggingSteps <= 0 {
		return &ConfigError{Field: "logging_steps", Reason: "must be positive"}
	}
	return nil
}
