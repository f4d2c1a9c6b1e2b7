package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ MetricsRecorder  = NopMetricsRecorder{}
	_ BackoffScheduler = ExponentialBackoffScheduler{}
	_ CredentialScheme = DigestScheme{}
	_ ConfigProvider   = (*CfgxConfigProvider)(nil)
	_ OptionsResolver  = GoOptionsResolver{}

	_ Logger         = (*hostLogger)(nil)
	_ FieldsLogger   = (*hostLogger)(nil)
	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
