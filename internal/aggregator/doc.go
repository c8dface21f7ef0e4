// Package aggregator 定义兑换聚合器客户端；当前实现为 1inch Swap API。
package aggregator
