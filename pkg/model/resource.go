package model

import (
	"math"
	"regexp"
	"strconv"
)

// Resources 容器声明的容量
type Resources struct {
	CPU     float64       `json:"cpu"`    // 核数
	Memory  string        `json:"memory"` // 如: "4Gi"
	Disk    string        `json:"disk"`
	Network *NetworkHints `json:"network,omitempty"`
}

type NetworkHints struct {
	BandwidthMbps int    `json:"bandwidthMbps,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

var memoryPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)(Ki|Mi|Gi|K|M|G)?$`)

var memoryUnits = map[string]float64{
	"":   1,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"K":  1e3,
	"M":  1e6,
	"G":  1e9,
}

// ParseMemory 把容量字符串转换成字节数
// Ki/Mi/Gi 按 1024 计，K/M/G 按 1000 计，纯数字就是字节
// 解析失败或超出 int64 范围都返回 0
func ParseMemory(s string) int64 {
	m := memoryPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	bytes := v * memoryUnits[m[2]]
	// float64(math.MaxInt64) 实际是 2^63，int64 放不下
	if bytes >= float64(math.MaxInt64) {
		return 0
	}
	return int64(bytes)
}
