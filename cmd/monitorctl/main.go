// monitorctl 是市场监控的运维命令行：手动运行搜索、导入导出、签发令牌与备份。
package main

func main() {
	Execute()
}
