//go:build gomock || generate

package command

//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package command -destination mock_observer_test.go github.com/danmuck/edgekv/internal/command Observer"
//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package command -destination mock_permission_provider_test.go github.com/danmuck/edgekv/internal/command PermissionProvider"
