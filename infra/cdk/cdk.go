package main

import (
	"github.com/aws/aws-cdk-go/awscdk/v2"
	awscertificatemanager "github.com/aws/aws-cdk-go/awscdk/v2/awscertificatemanager"
	awscloudwatch "github.com/aws/aws-cdk-go/awscdk/v2/awscloudwatch"
	awsdynamodb "github.com/aws/aws-cdk-go/awscdk/v2/awsdynamodb"
	awsecs "github.com/aws/aws-cdk-go/awscdk/v2/awsecs"
	awsecspatterns "github.com/aws/aws-cdk-go/awscdk/v2/awsecspatterns"
	elbv2 "github.com/aws/aws-cdk-go/awscdk/v2/awselasticloadbalancingv2"
	"github.com/aws/constructs-go/constructs/v10"
	"github.com/aws/jsii-runtime-go"
)

const (
	resourceNameTable          = "EventsTable"
	resourceNameCluster        = "Cluster"
	resourceNameService        = "LiveService"
	resourceNameCertificate    = "LiveCertificate"
	resourceNameOutputURL      = "LiveServiceURL"
	resourceNameOutputTable    = "EventsTableName"
	resourceNameOutputWSPath   = "WebSocketPath"
	alarmNameDynamoWriteUnits  = "HighDynamoWriteUnits"
	alarmNameServiceCPU        = "HighServiceCPU"
	alarmNameTargetServerError = "HighTargetServerErrors"

	domainName        = "live.cohort.app"
	containerPath     = "../.."
	containerPort     = 8080
	healthCheckPath   = "/api/v2"
	wsPath            = "/sockets"
	envVarEventsTable = "EVENTS_TABLE"
	envVarListenAddr  = "LISTEN_ADDR"
	envVarWSPath      = "WS_PATH"

	// Sessions live in process memory, so the service must not scale out.
	desiredCount = 1
)

func NewCohortLiveStack(scope constructs.Construct, id string, props *awscdk.StackProps) awscdk.Stack {
	stack := awscdk.NewStack(scope, &id, props)

	table := createDynamoDBTable(stack)
	service := createService(stack, table)
	createCloudWatchAlarms(stack, service, table)

	createOutputs(stack, service, table)

	return stack
}

func createDynamoDBTable(stack awscdk.Stack) awsdynamodb.Table {
	return awsdynamodb.NewTable(stack, jsii.String(resourceNameTable), &awsdynamodb.TableProps{
		PartitionKey: &awsdynamodb.Attribute{
			Name: jsii.String("pk"),
			Type: awsdynamodb.AttributeType_STRING,
		},
		SortKey: &awsdynamodb.Attribute{
			Name: jsii.String("sk"),
			Type: awsdynamodb.AttributeType_STRING,
		},
		BillingMode:   awsdynamodb.BillingMode_PAY_PER_REQUEST,
		RemovalPolicy: awscdk.RemovalPolicy_RETAIN,
	})
}

func createService(stack awscdk.Stack, table awsdynamodb.Table) awsecspatterns.ApplicationLoadBalancedFargateService {
	cert := awscertificatemanager.NewCertificate(stack, jsii.String(resourceNameCertificate), &awscertificatemanager.CertificateProps{
		DomainName: jsii.String(domainName),
		Validation: awscertificatemanager.CertificateValidation_FromDns(nil),
	})

	cluster := awsecs.NewCluster(stack, jsii.String(resourceNameCluster), &awsecs.ClusterProps{})

	service := awsecspatterns.NewApplicationLoadBalancedFargateService(stack, jsii.String(resourceNameService), &awsecspatterns.ApplicationLoadBalancedFargateServiceProps{
		Cluster:        cluster,
		Cpu:            jsii.Number(256),
		MemoryLimitMiB: jsii.Number(512),
		DesiredCount:   jsii.Number(desiredCount),
		Certificate:    cert,
		Protocol:       elbv2.ApplicationProtocol_HTTPS,
		RedirectHTTP:   jsii.Bool(true),
		TaskImageOptions: &awsecspatterns.ApplicationLoadBalancedTaskImageOptions{
			Image:         awsecs.ContainerImage_FromAsset(jsii.String(containerPath), nil),
			ContainerPort: jsii.Number(containerPort),
			Environment: &map[string]*string{
				envVarEventsTable: table.TableName(),
				envVarListenAddr:  jsii.String(":8080"),
				envVarWSPath:      jsii.String(wsPath),
			},
		},
		PublicLoadBalancer: jsii.Bool(true),
	})

	service.TargetGroup().ConfigureHealthCheck(&elbv2.HealthCheck{
		Path: jsii.String(healthCheckPath),
	})
	table.GrantReadWriteData(service.TaskDefinition().TaskRole())

	return service
}

func createCloudWatchAlarms(stack awscdk.Stack, service awsecspatterns.ApplicationLoadBalancedFargateService, table awsdynamodb.Table) {
	dynamoWriteUnits := table.MetricConsumedWriteCapacityUnits(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(1)),
		Statistic: jsii.String("Sum"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String(alarmNameDynamoWriteUnits), &awscloudwatch.AlarmProps{
		Metric:            dynamoWriteUnits,
		Threshold:         jsii.Number(500),
		EvaluationPeriods: jsii.Number(1),
		AlarmDescription:  jsii.String("Alert when DynamoDB write units exceed 500 per minute (check-in flood)"),
	})

	cpu := service.Service().MetricCpuUtilization(&awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(5)),
		Statistic: jsii.String("Average"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String(alarmNameServiceCPU), &awscloudwatch.AlarmProps{
		Metric:            cpu,
		Threshold:         jsii.Number(80),
		EvaluationPeriods: jsii.Number(2),
		AlarmDescription:  jsii.String("Alert when the live server CPU stays above 80%"),
	})

	serverErrors := service.TargetGroup().Metrics().HttpCodeTarget(elbv2.HttpCodeTarget_TARGET_5XX_COUNT, &awscloudwatch.MetricOptions{
		Period:    awscdk.Duration_Minutes(jsii.Number(5)),
		Statistic: jsii.String("Sum"),
	})
	awscloudwatch.NewAlarm(stack, jsii.String(alarmNameTargetServerError), &awscloudwatch.AlarmProps{
		Metric:            serverErrors,
		Threshold:         jsii.Number(10),
		EvaluationPeriods: jsii.Number(1),
		AlarmDescription:  jsii.String("Alert when the API returns more than 10 server errors in 5 minutes"),
	})
}

func createOutputs(stack awscdk.Stack, service awsecspatterns.ApplicationLoadBalancedFargateService, table awsdynamodb.Table) {
	awscdk.NewCfnOutput(stack, jsii.String(resourceNameOutputURL), &awscdk.CfnOutputProps{
		Value:       service.LoadBalancer().LoadBalancerDnsName(),
		Description: jsii.String("Load balancer DNS name"),
	})
	awscdk.NewCfnOutput(stack, jsii.String(resourceNameOutputWSPath), &awscdk.CfnOutputProps{
		Value:       jsii.String(wsPath),
		Description: jsii.String("WebSocket path devices connect to"),
	})
	awscdk.NewCfnOutput(stack, jsii.String(resourceNameOutputTable), &awscdk.CfnOutputProps{
		Value:       table.TableName(),
		Description: jsii.String("DynamoDB events table"),
	})
}

func main() {
	defer jsii.Close()

	app := awscdk.NewApp(nil)
	NewCohortLiveStack(app, "CohortLiveStack", &awscdk.StackProps{})
	app.Synth(nil)
}
