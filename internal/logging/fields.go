package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 origin/路由决策/缓存命中字段，供代理请求日志复用。
func RequestFields(origin, decision, partition string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"decision":  decision,
		"partition": partition,
		"cache_hit": cacheHit,
	}
}

// WorkerFields 标识某个 origin 下的 worker 实例。
func WorkerFields(origin, workerID, state string) logrus.Fields {
	return logrus.Fields{
		"origin":    origin,
		"worker_id": workerID,
		"state":     state,
	}
}
